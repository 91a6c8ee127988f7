package app

import (
	"errors"
	"fmt"
	"strings"
)

// Command はdishfeedのサブコマンド。
type Command string

const (
	CommandServe       Command = "serve"
	CommandWorker      Command = "worker"
	CommandMigrate     Command = "migrate"
	CommandHealthcheck Command = "healthcheck"
)

// ErrUnknownCommand はサポートしていないサブコマンドが指定された場合のエラー。
var ErrUnknownCommand = errors.New("unknown command")

// commands はサブコマンドと説明の一覧。Usageの表示順を兼ねる。
var commands = []struct {
	cmd  Command
	desc string
}{
	{CommandServe, "フィードAPI・差分同期・ライブ配信を起動する（既定）"},
	{CommandWorker, "店舗スコアの再計算とキャッシュ掃除を起動する"},
	{CommandMigrate, "レビューストアのスキーマを最新にする"},
	{CommandHealthcheck, "起動中のAPIの/healthを確認する"},
}

// ParseCommand はコマンドライン引数の先頭からサブコマンドを解析する。
// 引数が無い場合はCommandServeを返す。2番目以降の引数は無視する。
func ParseCommand(args []string) (Command, error) {
	if len(args) == 0 || args[0] == "" {
		return CommandServe, nil
	}
	for _, c := range commands {
		if string(c.cmd) == args[0] {
			return c.cmd, nil
		}
	}
	return "", fmt.Errorf("%w: %q\n%s", ErrUnknownCommand, args[0], Usage())
}

// Usage はサブコマンドの一覧を返す。
func Usage() string {
	var b strings.Builder
	b.WriteString("usage: dishfeed [command]\n\ncommands:\n")
	for _, c := range commands {
		fmt.Fprintf(&b, "  %-12s %s\n", c.cmd, c.desc)
	}
	return b.String()
}
