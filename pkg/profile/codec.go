package profile

import (
	"encoding/hex"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Advertisement metadata keys. Values are always plain text.
const (
	MetaStatus      = "status"
	MetaName        = "name"
	MetaDeviceToken = "deviceToken"
)

// previewLen bounds how much of a rejected payload ends up in logs.
const previewLen = 32

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("profile: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		MaxArrayElements: 4096,
	}.DecMode()
	if err != nil {
		panic("profile: CBOR decoder initialization failed: " + err.Error())
	}
}

// Encode serializes a profile for the wire.
func Encode(p UserProfile) ([]byte, error) {
	return encMode.Marshal(p)
}

// Decode parses a wire payload produced by Encode.
func Decode(data []byte) (UserProfile, error) {
	var p UserProfile
	if err := decMode.Unmarshal(data, &p); err != nil {
		return UserProfile{}, fmt.Errorf("decode profile: %w", err)
	}
	if p.ID == "" {
		return UserProfile{}, fmt.Errorf("decode profile: %w", ErrMissingID)
	}
	return p, nil
}

// Preview renders the first bytes of a payload as hex for log lines.
func Preview(data []byte) string {
	if len(data) <= previewLen {
		return hex.EncodeToString(data)
	}
	return hex.EncodeToString(data[:previewLen]) + fmt.Sprintf("...(%d bytes)", len(data))
}

// Metadata builds the advertisement key/value set for p.
func Metadata(p UserProfile, deviceToken string) map[string]string {
	return map[string]string{
		MetaStatus:      string(p.Status),
		MetaName:        p.Name,
		MetaDeviceToken: deviceToken,
	}
}
