package repository

import (
	"testing"
)

// PostgresUserRepoはUserRepositoryインターフェースを満たすことを検証
func TestPostgresUserRepo_ImplementsInterface(t *testing.T) {
	var _ UserRepository = (*PostgresUserRepo)(nil)
}

// PostgresCaregiverRepoはCaregiverRepositoryインターフェースを満たすことを検証
func TestPostgresCaregiverRepo_ImplementsInterface(t *testing.T) {
	var _ CaregiverRepository = (*PostgresCaregiverRepo)(nil)
}

// PostgresEventRepoはEventRepositoryとUserLockerを満たすことを検証
func TestPostgresEventRepo_ImplementsInterfaces(t *testing.T) {
	var _ EventRepository = (*PostgresEventRepo)(nil)
	var _ UserLocker = (*PostgresEventRepo)(nil)
}

// NewPostgresUserRepoが正しく初期化されることを検証
func TestNewPostgresUserRepo_Initializes(t *testing.T) {
	if repo := NewPostgresUserRepo(nil); repo == nil {
		t.Fatal("expected non-nil repo")
	}
}

// NewPostgresCaregiverRepoが正しく初期化されることを検証
func TestNewPostgresCaregiverRepo_Initializes(t *testing.T) {
	if repo := NewPostgresCaregiverRepo(nil); repo == nil {
		t.Fatal("expected non-nil repo")
	}
}
