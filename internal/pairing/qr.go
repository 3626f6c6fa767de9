package pairing

import "github.com/skip2/go-qrcode"

// QRCode renders c as a PNG scannable code, grounded on
// internal/sync/invite.go's ToQR. Unlike that invite (which had to embed a
// signed peer identity + addresses since it was the only channel carrying
// connection info), a sync code alone is enough here: the receiving device
// rendezvouses with its holder over the DHT namespace the code derives,
// so the QR payload is just the human-readable code string.
func (c SyncCode) QRCode() ([]byte, error) {
	return qrcode.Encode(c.Code, qrcode.Low, 256)
}

// QRString renders c as ASCII art for terminal display, mirroring
// internal/sync/invite.go's ToQRString.
func (c SyncCode) QRString() (string, error) {
	qr, err := qrcode.New(c.Code, qrcode.Low)
	if err != nil {
		return "", err
	}
	return qr.ToSmallString(false), nil
}
