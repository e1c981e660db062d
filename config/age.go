package config

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"reflect"
	"regexp"
	"strings"

	"filippo.io/age"
	"github.com/mitchellh/mapstructure"
	"github.com/rs/zerolog/log"
)

const agePrefix = "age:"

var ageComments = regexp.MustCompile(`(?m)#.*$`)

func loadAgeIdentity(keypath string) (*age.X25519Identity, error) {
	log.Debug().Msgf("Loading age key: %s", keypath)
	b, err := os.ReadFile(keypath)
	if err != nil {
		return nil, fmt.Errorf("read age key: %w", err)
	}
	identity, err := parseAgeIdentity(b)
	if err != nil {
		return nil, fmt.Errorf("load age key: %w", err)
	}
	return identity, nil
}

func parseAgeIdentity(b []byte) (*age.X25519Identity, error) {
	c := ageComments.ReplaceAll(b, nil)
	return age.ParseX25519Identity(strings.TrimSpace(string(c)))
}

func decodeAge(s string, identity *age.X25519Identity) (string, error) {
	enc, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(s, agePrefix))
	if err != nil {
		return "", fmt.Errorf("decode age value: %w", err)
	}
	d, err := age.Decrypt(bytes.NewReader(enc), identity)
	if err != nil {
		return "", fmt.Errorf("decrypt age value: %w", err)
	}
	b := &bytes.Buffer{}
	if _, err := io.Copy(b, d); err != nil {
		return "", fmt.Errorf("decrypt age value: %w", err)
	}
	return b.String(), nil
}

// ageHookFunc decrypts string settings of the form "age:<base64 ciphertext>".
func ageHookFunc(identity *age.X25519Identity) mapstructure.DecodeHookFuncType {
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if f.Kind() != reflect.String || t.Kind() != reflect.String {
			return data, nil
		}
		s := data.(string)
		if !strings.HasPrefix(s, agePrefix) {
			return data, nil
		}
		return decodeAge(s, identity)
	}
}
