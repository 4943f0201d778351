package admin

import "github.com/skip2/go-qrcode"

// BootstrapQR renders a freshly issued token as a PNG QR code so an
// operator can hand it to a mobile client without retyping it.
func BootstrapQR(token string) ([]byte, error) {
	return qrcode.Encode(token, qrcode.Medium, 256)
}
