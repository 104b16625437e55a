package logger

import "github.com/ideamans/go-l10n"

func init() {
	l10n.Register("ja", l10n.LexiconMap{
		// Orchestration level messages (info)
		"Decoding %s":                     "%s をデコード中",
		"Encoding %s (%dx%d)":             "%s をエンコード中 (%dx%d)",
		"Decoded %d units into %d frames": "%d ユニットを %d フレームにデコードしました",
		"Encoded %d frames into %d units": "%d フレームを %d ユニットにエンコードしました",
		"Read %d units (%d bytes)":        "%d ユニットを読み込みました (%d バイト)",
		"Output saved to %s":              "出力を %s に保存しました",
		"Interrupted, shutting down...":   "中断されました。シャットダウン中...",

		// Demultiplexer
		"Refilled working buffer, unit so far %d bytes": "作業バッファを再充填しました。ユニットは現在 %d バイト",

		// Pipeline
		"Slot %d busy, backpressure":                     "スロット %d が使用中のため待機します",
		"Channel full on slot %d, backpressure":          "スロット %d でチャネルが満杯のため待機します",
		"End of stream accepted on slot %d":              "スロット %d でストリーム終端を受け付けました",
		"Channel reported end of stream":                 "チャネルがストリーム終端を通知しました",
		"Output pool configured for %dx%d (stride %dx%d)": "出力プールを %dx%d (ストライド %dx%d) で構成しました",
		"Submitted %d, backpressure %d, try-again %d":    "投入 %d, 待機 %d, 再試行 %d",

		// Codec process
		"Picture size %dx%d":          "画像サイズ %dx%d",
		"Frame pool of %d x %d bytes": "フレームプール %d 個 x %d バイト",
		"Process exited":              "プロセスが終了しました",

		// Warnings
		"Discarding partial final frame: %s":      "末尾の不完全なフレームを破棄します: %s",
		"Decoder produced no frames":              "デコーダがフレームを出力しませんでした",
		"Failed to remove partial output %s: %s": "不完全な出力 %s を削除できませんでした: %s",
		"Removed partial output %s":               "不完全な出力 %s を削除しました",

		// Errors
		"Failed to open input: %s":    "入力を開けませんでした: %s",
		"Failed to create output: %s": "出力を作成できませんでした: %s",
		"Failed to read unit %d: %s":  "ユニット %d の読み込みに失敗しました: %s",
		"Failed to write output: %s":  "出力の書き込みに失敗しました: %s",
		"Pipeline failed: %s":         "パイプラインが失敗しました: %s",
	})
}
