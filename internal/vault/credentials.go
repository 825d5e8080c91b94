package vault

import (
	"os"
	"strings"

	"qabridge/pkg/schema"
)

// Environment variables that bypass the vault (CI usage).
const (
	EnvUser  = "JIRA_USER"
	EnvToken = "JIRA_TOKEN"
)

// Credentials is the Jira identity handed to the API clients.
type Credentials struct {
	User  string
	Token string
}

// Resolve returns credentials from the environment when both variables
// are set, otherwise from the user file plus the vault. The token never
// touches disk in plaintext after the first run.
func Resolve(v *FileVault) (Credentials, error) {
	if user, token := os.Getenv(EnvUser), os.Getenv(EnvToken); user != "" && token != "" {
		return Credentials{User: user, Token: token}, nil
	}

	user, err := readUser(v.Layout())
	if err != nil {
		return Credentials{}, err
	}
	token, err := v.EnsureUnlocked()
	if err != nil {
		return Credentials{}, err
	}
	return Credentials{User: user, Token: token}, nil
}

func readUser(l Layout) (string, error) {
	data, err := os.ReadFile(l.UserPath())
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeMissingCredential,
			"no account identifier at %s: write your Jira user there", l.UserPath())
	}
	user := strings.TrimSpace(string(data))
	if user == "" {
		return "", schema.NewErrorf(schema.ErrCodeMissingCredential,
			"account identifier at %s is empty", l.UserPath())
	}
	return user, nil
}
