package app

import (
	"fmt"
	"io"
)

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はAPIサーバーモードで起動することを示す。
	CommandServe Command = "serve"
	// CommandWorker は毎時スイープとトークン整理を行うワーカーモードで起動することを示す。
	CommandWorker Command = "worker"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandSweep はスイープを1回だけ実行して終了することを示す。
	// 外部のcronから起動する運用向け。
	CommandSweep Command = "sweep"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
	// CommandHelp はサブコマンドの一覧を表示することを示す。
	CommandHelp Command = "help"
)

// commands はサブコマンドと説明の一覧。表示順を保つためスライスで持つ。
var commands = []struct {
	cmd  Command
	desc string
}{
	{CommandServe, "APIサーバーを起動する（デフォルト）"},
	{CommandWorker, "毎時スイープと確認トークンの整理を実行する"},
	{CommandSweep, "スイープを1回実行し、結果をJSONで出力する"},
	{CommandMigrate, "データベースマイグレーションを適用する"},
	{CommandHealthcheck, "ローカルのAPIサーバーの /health を確認する"},
	{CommandHelp, "このヘルプを表示する"},
}

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}

	switch args[0] {
	case "-h", "--help":
		return CommandHelp
	}
	for _, c := range commands {
		if string(c.cmd) == args[0] {
			return c.cmd
		}
	}
	return CommandServe
}

// WriteUsage はサブコマンドの一覧を書き込む。
func WriteUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: stillokay [command]")
	fmt.Fprintln(w)
	for _, c := range commands {
		fmt.Fprintf(w, "  %-12s %s\n", c.cmd, c.desc)
	}
}
