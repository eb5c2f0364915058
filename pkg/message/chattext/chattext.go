// Package chattext implements the textual addressing used by CHAT frames:
// "TO:<target>|<base64>" from a client and "FROM:<sender>|<base64>" after the relay rewrites it.
package chattext

import (
	"encoding/base64"
	"strings"

	"github.com/sessamekesh/spanreed-relay/pkg/errors"
)

const (
	ToPrefix   = "TO:"
	FromPrefix = "FROM:"
)

func Encode(text string) string {
	return base64.StdEncoding.EncodeToString([]byte(text))
}

func Address(target, text string) string {
	return ToPrefix + target + "|" + Encode(text)
}

// ParseTo splits "TO:<target>|<encoded>". The encoded part is returned untouched.
func ParseTo(payload string) (target string, encoded string, err error) {
	return parse(payload, ToPrefix)
}

func From(sender, encoded string) string {
	return FromPrefix + sender + "|" + encoded
}

// ParseFrom splits "FROM:<sender>|<base64>" and decodes the text.
func ParseFrom(payload string) (sender string, text string, err error) {
	sender, encoded, err := parse(payload, FromPrefix)
	if err != nil {
		return "", "", err
	}

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", "", err
	}

	return sender, string(decoded), nil
}

func parse(payload, prefix string) (string, string, error) {
	if !strings.HasPrefix(payload, prefix) {
		return "", "", &errors.MalformedAddress{Scheme: prefix, Payload: payload}
	}

	pipe := strings.Index(payload, "|")
	if pipe <= len(prefix) {
		return "", "", &errors.MalformedAddress{Scheme: prefix, Payload: payload}
	}

	return payload[len(prefix):pipe], payload[pipe+1:], nil
}
