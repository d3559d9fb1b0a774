// Package vault persists one encrypted identity vector per enrolled person.
//
// Layout on disk: FACES_DIR/<hex(personID)>.enc, each file holding
//
//	[u8 version] [24-byte nonce] [XChaCha20-Poly1305 ciphertext]
//
// with the person ID bound as additional data, so a record renamed to another
// person fails authentication. The plaintext is fixed-width:
//
//	[u32 dim] [i64 createdAt unix nanos] [dim × f64], little endian
package vault

import (
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/renameio"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/andresmejia3/checkpoint/internal/types"
)

const (
	recordVersion byte = 1
	recordExt          = ".enc"
	headerSize         = 1 + chacha20poly1305.NonceSizeX
	// Hex doubles the ID; keep file names well under the 255 byte limit.
	maxPersonIDLen = 120
)

var (
	ErrCorruptRecord   = errors.New("corrupt enrollment record")
	ErrInvalidPersonID = errors.New("invalid person id")
	ErrNotFound        = errors.New("enrollment record not found")
)

// Record is enrollment metadata without the vector.
type Record struct {
	PersonID  string
	CreatedAt time.Time
	Dim       int
}

type Vault struct {
	dir       string
	aead      cipher.AEAD
	now       func() time.Time
	logger    *slog.Logger
	onCorrupt func(personID string, err error)
	dim       int
}

type Option func(*Vault)

func WithLogger(logger *slog.Logger) Option {
	return func(v *Vault) { v.logger = logger }
}

// WithClock overrides the createdAt source.
func WithClock(now func() time.Time) Option {
	return func(v *Vault) { v.now = now }
}

// WithCorruptHook is called for every record skipped by LoadAll.
func WithCorruptHook(fn func(personID string, err error)) Option {
	return func(v *Vault) { v.onCorrupt = fn }
}

// WithDim makes LoadAll skip records whose vector length is not n, as it
// does for records that fail to decrypt. List still reports them.
func WithDim(n int) Option {
	return func(v *Vault) { v.dim = n }
}

// New opens (creating if needed) the record directory. The key is validated
// here so an invalid key fails at startup rather than on the first Save.
func New(dir string, key Key, opts ...Option) (*Vault, error) {
	if key.zero() {
		return nil, fmt.Errorf("%w: key is all zeros", ErrKeyMissingOrInvalid)
	}
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyMissingOrInvalid, err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create faces directory: %w", err)
	}
	v := &Vault{
		dir:    dir,
		aead:   aead,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Save encrypts vec for personID and atomically replaces any previous record.
func (v *Vault) Save(personID string, vec types.IdentityVector) error {
	if err := validatePersonID(personID); err != nil {
		return err
	}
	if vec.Dim() == 0 {
		return fmt.Errorf("save %q: empty vector", personID)
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}

	plain := marshalVector(vec, v.now())
	out := make([]byte, 0, headerSize+len(plain)+v.aead.Overhead())
	out = append(out, recordVersion)
	out = append(out, nonce...)
	out = v.aead.Seal(out, nonce, plain, additionalData(personID))

	if err := renameio.WriteFile(v.path(personID), out, 0o600); err != nil {
		return fmt.Errorf("write record %q: %w", personID, err)
	}
	return nil
}

// Load decrypts a single record.
func (v *Vault) Load(personID string) (types.IdentityVector, error) {
	if err := validatePersonID(personID); err != nil {
		return types.IdentityVector{}, err
	}
	vec, _, err := v.read(personID, v.path(personID))
	return vec, err
}

// LoadAll decrypts every record. Records that fail to read, authenticate, or
// parse are logged and skipped; they never abort the load. The returned map is
// a snapshot owned by the caller.
func (v *Vault) LoadAll() (map[string]types.IdentityVector, error) {
	names, err := v.recordNames()
	if err != nil {
		return nil, err
	}

	corpus := make(map[string]types.IdentityVector, len(names))
	for personID, path := range names {
		vec, _, err := v.read(personID, path)
		if err == nil && v.dim > 0 && vec.Dim() != v.dim {
			err = fmt.Errorf("%w: dimension %d, want %d", ErrCorruptRecord, vec.Dim(), v.dim)
		}
		if err != nil {
			v.corrupt(personID, err)
			continue
		}
		corpus[personID] = vec
	}
	return corpus, nil
}

// List returns metadata for every readable record, sorted by person ID.
func (v *Vault) List() ([]Record, error) {
	names, err := v.recordNames()
	if err != nil {
		return nil, err
	}
	records := make([]Record, 0, len(names))
	for personID, path := range names {
		vec, createdAt, err := v.read(personID, path)
		if err != nil {
			v.corrupt(personID, err)
			continue
		}
		records = append(records, Record{PersonID: personID, CreatedAt: createdAt, Dim: vec.Dim()})
	}
	sort.Slice(records, func(i, j int) bool { return records[i].PersonID < records[j].PersonID })
	return records, nil
}

// Exists reports whether a record file is present for personID.
func (v *Vault) Exists(personID string) bool {
	if validatePersonID(personID) != nil {
		return false
	}
	_, err := os.Stat(v.path(personID))
	return err == nil
}

// Delete removes the record. Deleting an unknown ID is not an error.
func (v *Vault) Delete(personID string) error {
	if err := validatePersonID(personID); err != nil {
		return err
	}
	if err := os.Remove(v.path(personID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete record %q: %w", personID, err)
	}
	return nil
}

func (v *Vault) corrupt(personID string, err error) {
	v.logger.Warn("skipping unreadable enrollment record", "person", personID, "error", err)
	if v.onCorrupt != nil {
		v.onCorrupt(personID, err)
	}
}

// recordNames maps person IDs to record paths. Files that are not records
// (temp files from an interrupted write, foreign files) are ignored.
func (v *Vault) recordNames() (map[string]string, error) {
	entries, err := os.ReadDir(v.dir)
	if err != nil {
		return nil, fmt.Errorf("read faces directory: %w", err)
	}
	names := make(map[string]string, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, recordExt) {
			continue
		}
		raw, err := hex.DecodeString(strings.TrimSuffix(name, recordExt))
		if err != nil || len(raw) == 0 {
			continue
		}
		names[string(raw)] = filepath.Join(v.dir, name)
	}
	return names, nil
}

func (v *Vault) read(personID, path string) (types.IdentityVector, time.Time, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return types.IdentityVector{}, time.Time{}, fmt.Errorf("%w: %s", ErrNotFound, personID)
	}
	if err != nil {
		return types.IdentityVector{}, time.Time{}, fmt.Errorf("%w: %w", ErrCorruptRecord, err)
	}
	if len(data) < headerSize+v.aead.Overhead() || data[0] != recordVersion {
		return types.IdentityVector{}, time.Time{}, fmt.Errorf("%w: bad header", ErrCorruptRecord)
	}
	nonce := data[1:headerSize]
	plain, err := v.aead.Open(nil, nonce, data[headerSize:], additionalData(personID))
	if err != nil {
		return types.IdentityVector{}, time.Time{}, fmt.Errorf("%w: authentication failed", ErrCorruptRecord)
	}
	vec, createdAt, err := unmarshalVector(plain)
	if err != nil {
		return types.IdentityVector{}, time.Time{}, fmt.Errorf("%w: %w", ErrCorruptRecord, err)
	}
	return vec, createdAt, nil
}

func (v *Vault) path(personID string) string {
	return filepath.Join(v.dir, hex.EncodeToString([]byte(personID))+recordExt)
}

func additionalData(personID string) []byte {
	return append([]byte{recordVersion}, personID...)
}

func validatePersonID(personID string) error {
	if personID == "" || len(personID) > maxPersonIDLen {
		return fmt.Errorf("%w: %q", ErrInvalidPersonID, personID)
	}
	return nil
}

func marshalVector(vec types.IdentityVector, createdAt time.Time) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, 12+8*vec.Dim()))
	binary.Write(buf, binary.LittleEndian, uint32(vec.Dim()))
	binary.Write(buf, binary.LittleEndian, createdAt.UnixNano())
	binary.Write(buf, binary.LittleEndian, vec.View())
	return buf.Bytes()
}

func unmarshalVector(plain []byte) (types.IdentityVector, time.Time, error) {
	if len(plain) < 12 {
		return types.IdentityVector{}, time.Time{}, errors.New("short plaintext")
	}
	dim := binary.LittleEndian.Uint32(plain[0:4])
	nanos := int64(binary.LittleEndian.Uint64(plain[4:12]))
	body := plain[12:]
	if uint64(len(body)) != uint64(dim)*8 {
		return types.IdentityVector{}, time.Time{}, fmt.Errorf("dim %d does not match %d payload bytes", dim, len(body))
	}
	c := make([]float64, dim)
	for i := range c {
		c[i] = math.Float64frombits(binary.LittleEndian.Uint64(body[i*8:]))
	}
	return types.NewIdentityVector(c), time.Unix(0, nanos).UTC(), nil
}
