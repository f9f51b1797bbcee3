package pop3

import (
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/emersion/go-sasl"
)

var errNoChallenge = errors.New("greeting carries no APOP challenge")

// apopChallenge extracts the <...> timestamp of a greeting.
func apopChallenge(greeting string) (string, bool) {
	start := strings.IndexByte(greeting, '<')
	if start < 0 {
		return "", false
	}
	end := strings.IndexByte(greeting[start:], '>')
	if end < 0 {
		return "", false
	}
	return greeting[start : start+end+1], true
}

// apopDigest computes the RFC 1939 APOP digest for the given greeting.
func apopDigest(greeting, password string) (string, error) {
	challenge, ok := apopChallenge(greeting)
	if !ok {
		return "", errNoChallenge
	}
	sum := md5.Sum([]byte(challenge + password))
	return hex.EncodeToString(sum[:]), nil
}

// plainInitialResponse builds the base64 initial response of AUTH PLAIN.
func plainInitialResponse(user, password string) (string, error) {
	mech, ir, err := sasl.NewPlainClient("", user, password).Start()
	if err != nil {
		return "", err
	}
	if mech != sasl.Plain {
		return "", errors.New("unexpected SASL mechanism " + mech)
	}
	return base64.StdEncoding.EncodeToString(ir), nil
}
