// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package supervisor

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwe"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// Mailbox is the write-only emergency channel. Messages are encrypted to
// the operator's public key before touching disk; the engine holds no
// key capable of reading them back. The directory is append-only by
// permission (0730): the engine may create files but not list or read.
type Mailbox struct {
	dir string
	key jwk.Key
}

// NewMailbox opens the mailbox directory outside the workspace and loads
// the operator's RSA public key from PEM.
func NewMailbox(dir, operatorPublicKeyPath string) (*Mailbox, error) {
	if dir == "" {
		return nil, fmt.Errorf("mailbox directory is required")
	}
	pemData, err := os.ReadFile(operatorPublicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read operator public key: %w", err)
	}
	key, err := jwk.ParseKey(pemData, jwk.WithPEM(true))
	if err != nil {
		return nil, fmt.Errorf("failed to parse operator public key: %w", err)
	}
	if err := os.MkdirAll(dir, 0o730); err != nil {
		return nil, fmt.Errorf("failed to create mailbox directory: %w", err)
	}
	return &Mailbox{dir: dir, key: key}, nil
}

// Deposit encrypts the payload to the operator and appends it as a new
// file. Existing messages are never opened, rewritten, or enumerated.
func (m *Mailbox) Deposit(from string, payload []byte) error {
	message := fmt.Sprintf("from: %s\ntime: %s\n\n%s",
		from, time.Now().UTC().Format(time.RFC3339), payload)

	encrypted, err := jwe.Encrypt([]byte(message),
		jwe.WithKey(jwa.RSA_OAEP, m.key),
		jwe.WithContentEncryption(jwa.A256GCM))
	if err != nil {
		return fmt.Errorf("failed to encrypt emergency message: %w", err)
	}

	name := fmt.Sprintf("%d-%s.jwe", time.Now().UnixNano(), uuid.NewString())
	f, err := os.OpenFile(filepath.Join(m.dir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return fmt.Errorf("failed to create mailbox file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(encrypted); err != nil {
		return fmt.Errorf("failed to write mailbox file: %w", err)
	}
	return nil
}

// DecryptMessage is the operator-side counterpart used by the CLI. It
// never runs inside a session.
func DecryptMessage(privateKeyPEM, data []byte) ([]byte, error) {
	key, err := jwk.ParseKey(privateKeyPEM, jwk.WithPEM(true))
	if err != nil {
		return nil, fmt.Errorf("failed to parse operator private key: %w", err)
	}
	plaintext, err := jwe.Decrypt(data, jwe.WithKey(jwa.RSA_OAEP, key))
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt message: %w", err)
	}
	return plaintext, nil
}
