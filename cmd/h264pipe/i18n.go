// Package main provides localization for the h264pipe CLI.
package main

import (
	"github.com/ideamans/go-l10n"
)

func init() {
	// Register Japanese translations for CLI messages.
	l10n.Register("ja", l10n.LexiconMap{
		"Session %s":                  "セッション %s",
		"Frame size %dx%d":            "フレームサイズ %dx%d",
		"Thumbnail saved to %s":       "サムネイルを %s に保存しました",
		"Summary saved to %s":         "サマリーを %s に保存しました",
		"Failed to write summary: %s": "サマリーの書き込みに失敗しました: %s",
		"Encoding %dx%d at %.2f fps":  "%dx%d を %.2f fps でエンコードします",
		"h264pipe version %s":         "h264pipe バージョン %s",
	})
}
