// Command stillokay はチェックイン見守りサービスのAPIサーバー・ワーカー・マイグレーションを起動する。
package main

import (
	"fmt"
	"os"
	// ユーザーごとのIANAタイムゾーンをイメージのzoneinfoに依存せず解決する
	_ "time/tzdata"

	"github.com/hitoshi/stillokay/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "stillokay: %v\n", err)
		os.Exit(1)
	}
}
