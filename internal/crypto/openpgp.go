package crypto

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
)

// ErrNoRecipients is returned when no recipient is configured or none of the
// configured recipients has a key in the keyring.
var ErrNoRecipients = errors.New("no encryption recipients")

// FileEncryptor encrypts one file to another.
type FileEncryptor interface {
	EncryptFile(ctx context.Context, src, dst string) error
}

// KeyInfo describes one imported public key.
type KeyInfo struct {
	Fingerprint string
	KeyID       string
	Identities  []string
}

// LoadKeyring reads public keys from path, armored or binary.
func LoadKeyring(path string) (openpgp.EntityList, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keyring: %w", err)
	}
	return ParseKeyring(data)
}

func ParseKeyring(data []byte) (openpgp.EntityList, error) {
	var (
		keys openpgp.EntityList
		err  error
	)
	if bytes.Contains(data, []byte("-----BEGIN PGP")) {
		keys, err = openpgp.ReadArmoredKeyRing(bytes.NewReader(data))
	} else {
		keys, err = openpgp.ReadKeyRing(bytes.NewReader(data))
	}
	if err != nil {
		return nil, fmt.Errorf("parse keyring: %w", err)
	}
	if len(keys) == 0 {
		return nil, errors.New("keyring holds no keys")
	}
	return keys, nil
}

// Describe lists the keys in ring, sorted by fingerprint.
func Describe(ring openpgp.EntityList) []KeyInfo {
	out := make([]KeyInfo, 0, len(ring))
	for _, e := range ring {
		info := KeyInfo{
			Fingerprint: strings.ToUpper(hex.EncodeToString(e.PrimaryKey.Fingerprint)),
			KeyID:       e.PrimaryKey.KeyIdString(),
		}
		for name := range e.Identities {
			info.Identities = append(info.Identities, name)
		}
		sort.Strings(info.Identities)
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Fingerprint < out[j].Fingerprint })
	return out
}

// PGPEncryptor encrypts files to a fixed recipient set. Imported keys are
// trusted as is.
type PGPEncryptor struct {
	to    []*openpgp.Entity
	armor bool
}

var _ FileEncryptor = (*PGPEncryptor)(nil)

// NewPGPEncryptor selects recipients from ring. A recipient may be an e-mail
// address, a full or short key id, or a fingerprint. Every recipient must
// resolve to a key.
func NewPGPEncryptor(ring openpgp.EntityList, recipients []string) (*PGPEncryptor, error) {
	if len(recipients) == 0 {
		return nil, ErrNoRecipients
	}

	var (
		to   []*openpgp.Entity
		seen = map[uint64]bool{}
	)
	for _, r := range recipients {
		e := findEntity(ring, r)
		if e == nil {
			return nil, fmt.Errorf("%w: no key for %q", ErrNoRecipients, r)
		}
		if !seen[e.PrimaryKey.KeyId] {
			seen[e.PrimaryKey.KeyId] = true
			to = append(to, e)
		}
	}
	return &PGPEncryptor{to: to}, nil
}

// WithArmor makes the encryptor write ASCII-armored output.
func (p *PGPEncryptor) WithArmor(on bool) *PGPEncryptor {
	p.armor = on
	return p
}

func findEntity(ring openpgp.EntityList, recipient string) *openpgp.Entity {
	want := strings.ToLower(strings.TrimSpace(recipient))
	want = strings.TrimPrefix(want, "0x")
	want = strings.ReplaceAll(want, " ", "")

	for _, e := range ring {
		fp := hex.EncodeToString(e.PrimaryKey.Fingerprint)
		keyID := strings.ToLower(e.PrimaryKey.KeyIdString())
		if want == fp || want == keyID || (len(want) == 8 && strings.HasSuffix(keyID, want)) {
			return e
		}
		for _, id := range e.Identities {
			if id.UserId != nil && strings.EqualFold(id.UserId.Email, want) {
				return e
			}
		}
	}
	return nil
}

// EncryptFile encrypts src into dst. Output goes to a hidden temporary file
// in dst's directory and is renamed to dst only once complete, so dst never
// holds partial ciphertext.
func (p *PGPEncryptor) EncryptFile(ctx context.Context, src, dst string) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open plaintext: %w", err)
	}
	defer in.Close()

	tmp := filepath.Join(filepath.Dir(dst), "."+filepath.Base(dst)+".tmp")
	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("create ciphertext: %w", err)
	}
	defer func() {
		if cerr := out.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("close ciphertext: %w", cerr)
		}
		if err == nil {
			if rerr := os.Rename(tmp, dst); rerr != nil {
				err = fmt.Errorf("publish ciphertext: %w", rerr)
			}
		}
		if err != nil {
			_ = os.Remove(tmp)
		}
	}()

	var sink io.Writer = out
	var armored io.WriteCloser
	if p.armor {
		armored, err = armor.Encode(out, "PGP MESSAGE", nil)
		if err != nil {
			return fmt.Errorf("armor: %w", err)
		}
		sink = armored
	}

	hints := &openpgp.FileHints{IsBinary: true, FileName: filepath.Base(src)}
	plain, err := openpgp.Encrypt(sink, p.to, nil, hints, nil)
	if err != nil {
		return fmt.Errorf("start encryption: %w", err)
	}
	if _, err = io.Copy(plain, &ctxReader{ctx: ctx, r: in}); err != nil {
		_ = plain.Close()
		return fmt.Errorf("encrypt %s: %w", filepath.Base(src), err)
	}
	if err = plain.Close(); err != nil {
		return fmt.Errorf("finish encryption: %w", err)
	}
	if armored != nil {
		if err = armored.Close(); err != nil {
			return fmt.Errorf("finish armor: %w", err)
		}
	}
	return out.Sync()
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
