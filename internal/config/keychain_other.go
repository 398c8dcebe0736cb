//go:build !darwin

package config

import "errors"

func platformSecret(service, account string) ([]byte, error) {
	return nil, errors.New("no platform keychain")
}
