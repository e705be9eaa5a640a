package session

import (
	"encoding/base64"
	"log/slog"

	"github.com/skip2/go-qrcode"
)

const qrSize = 256

// RenderQR encodes a pairing code as a PNG data URL the dashboard can show
// directly. If encoding fails the raw code is returned.
func RenderQR(code string) string {
	png, err := qrcode.Encode(code, qrcode.Medium, qrSize)
	if err != nil {
		slog.Warn("qr encode failed", "err", err)
		return code
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
}
