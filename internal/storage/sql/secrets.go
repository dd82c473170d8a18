package sql

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/user/dsentr/pkg/crypto"
)

// sealedPrefix marks a param value that is encrypted at rest.
const sealedPrefix = "enc:v1:"

// secretParams are the action param keys that carry credentials. Only these
// are sealed; the rest of a graph stays readable for inspection.
var secretParams = map[string]bool{
	"password":        true,
	"apiKey":          true,
	"token":           true,
	"secretAccessKey": true,
}

// SetParamCipher installs the cipher that seals credential params in stored
// graphs, run snapshots and dead letter snapshots. Without a cipher they are
// stored in the clear.
func (s *Store) SetParamCipher(c *crypto.Cipher) { s.secrets = c }

func (s *Store) sealGraph(graph []byte) ([]byte, error) {
	return s.mapSecretParams(graph, func(v string) (string, error) {
		if strings.HasPrefix(v, sealedPrefix) {
			return v, nil
		}
		enc, err := s.secrets.Encrypt(v)
		if err != nil {
			return "", err
		}
		return sealedPrefix + enc, nil
	})
}

func (s *Store) openGraph(graph []byte) ([]byte, error) {
	return s.mapSecretParams(graph, func(v string) (string, error) {
		if !strings.HasPrefix(v, sealedPrefix) {
			return v, nil
		}
		return s.secrets.Decrypt(strings.TrimPrefix(v, sealedPrefix))
	})
}

func (s *Store) mapSecretParams(graph []byte, f func(string) (string, error)) ([]byte, error) {
	if s.secrets == nil || len(graph) == 0 {
		return graph, nil
	}
	out := graph
	for i, node := range gjson.GetBytes(graph, "nodes").Array() {
		params := node.Get("data.params")
		if !params.IsObject() {
			continue
		}
		for key, val := range params.Map() {
			if !secretParams[key] || val.Type != gjson.String {
				continue
			}
			mapped, err := f(val.String())
			if err != nil {
				return nil, fmt.Errorf("secret param %q: %w", key, err)
			}
			if mapped == val.String() {
				continue
			}
			out, err = sjson.SetBytes(out, fmt.Sprintf("nodes.%d.data.params.%s", i, key), mapped)
			if err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}
