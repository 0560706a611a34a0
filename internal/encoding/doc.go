// Package encoding implements the text transport codec used for peer
// payloads: snappy block compression followed by unpadded base64url, so the
// result can be embedded in a QR code or URL without escaping.
package encoding
