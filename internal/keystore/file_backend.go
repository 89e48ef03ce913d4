package keystore

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/veilchat/veilchat/internal/session"
)

const (
	fileVersion    = 1
	argonTime      = 1
	argonMemory    = 64 * 1024
	argonThreads   = 4
	argonKeyLength = 32
	saltLength     = 16
	nonceSize      = chacha20poly1305.NonceSizeX
)

// FileBackend is a file-based keystore with Argon2id master key derivation.
type FileBackend struct {
	path      string
	salt      []byte
	masterKey []byte
	records   map[string]ChatKeyRecord
	mu        sync.RWMutex
	nowFn     func() time.Time
}

type keystoreFile struct {
	Version    int    `json:"version"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// NewFileBackend constructs a keystore backed by the provided file path.
func NewFileBackend(path string) *FileBackend {
	return &FileBackend{
		path:    path,
		records: make(map[string]ChatKeyRecord),
		nowFn:   time.Now,
	}
}

// Path returns the backing file path (for logging and tests).
func (b *FileBackend) Path() string {
	return b.path
}

// Initialize creates the keystore file if it does not already exist.
func (b *FileBackend) Initialize(ctx context.Context, passphrase string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if passphrase == "" {
		return fmt.Errorf("passphrase required: %w", ErrInvalidPass)
	}
	if _, err := os.Stat(b.path); err == nil {
		return ErrAlreadyExists
	}
	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil && !os.IsExist(err) {
		return fmt.Errorf("create keystore directory: %w", err)
	}

	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}

	b.wipeLocked()
	b.salt = salt
	b.masterKey = deriveMasterKey(passphrase, salt)
	b.records = make(map[string]ChatKeyRecord)

	if err := b.persistLocked(); err != nil {
		return fmt.Errorf("persist keystore: %w", err)
	}
	return ctx.Err()
}

// Unlock loads the keystore file and derives the master key.
func (b *FileBackend) Unlock(ctx context.Context, passphrase string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	raw, err := os.ReadFile(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotInitialized
		}
		return fmt.Errorf("read keystore: %w", err)
	}

	var file keystoreFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("decode keystore: %w", ErrCorruptFile)
	}
	if file.Version != fileVersion {
		return fmt.Errorf("unsupported keystore version %d", file.Version)
	}

	salt, err := base64.StdEncoding.DecodeString(file.Salt)
	if err != nil {
		return fmt.Errorf("decode salt: %w", ErrCorruptFile)
	}
	nonce, err := base64.StdEncoding.DecodeString(file.Nonce)
	if err != nil {
		return fmt.Errorf("decode nonce: %w", ErrCorruptFile)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(file.Ciphertext)
	if err != nil {
		return fmt.Errorf("decode ciphertext: %w", ErrCorruptFile)
	}

	master := deriveMasterKey(passphrase, salt)
	records, err := openRecords(master, nonce, ciphertext)
	if err != nil {
		zeroBytes(master)
		return err
	}

	b.wipeLocked()
	b.masterKey = master
	b.salt = salt
	b.records = records
	return ctx.Err()
}

// SaveChatKey writes or overwrites one chat's key record and persists the
// file. It satisfies session.Persister.
func (b *FileBackend) SaveChatKey(ctx context.Context, chatID string, key []byte, state session.KeyState, participants []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.ensureUnlockedLocked(); err != nil {
		return err
	}
	if chatID == "" {
		return fmt.Errorf("chat id is required")
	}

	now := b.nowFn().UTC()
	record := ChatKeyRecord{
		ChatID:       chatID,
		Key:          append([]byte(nil), key...),
		State:        state,
		Participants: append([]string(nil), participants...),
		CreatedAt:    now,
	}
	if existing, ok := b.records[chatID]; ok {
		record.CreatedAt = existing.CreatedAt
		record.UpdatedAt = now
		existing.Zero()
	}
	b.records[chatID] = record

	if err := b.persistLocked(); err != nil {
		return fmt.Errorf("persist chat key: %w", err)
	}
	return ctx.Err()
}

// LoadChatKey fetches one chat's record.
func (b *FileBackend) LoadChatKey(ctx context.Context, chatID string) (ChatKeyRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.ensureUnlockedLocked(); err != nil {
		return ChatKeyRecord{}, err
	}
	record, ok := b.records[chatID]
	if !ok {
		return ChatKeyRecord{}, ErrNotFound
	}
	return record.Clone(), ctx.Err()
}

// DeleteChatKey removes one chat's record and persists the change.
// Deleting an unknown chat is a no-op.
func (b *FileBackend) DeleteChatKey(ctx context.Context, chatID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.ensureUnlockedLocked(); err != nil {
		return err
	}
	if record, ok := b.records[chatID]; ok {
		record.Zero()
		delete(b.records, chatID)
		if err := b.persistLocked(); err != nil {
			return fmt.Errorf("persist keystore after delete: %w", err)
		}
	}
	return ctx.Err()
}

// ListChatKeys returns all records sorted by chat id, for warm-starting the
// in-memory session store.
func (b *FileBackend) ListChatKeys(ctx context.Context) ([]ChatKeyRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.ensureUnlockedLocked(); err != nil {
		return nil, err
	}
	out := make([]ChatKeyRecord, 0, len(b.records))
	for _, record := range b.records {
		out = append(out, record.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChatID < out[j].ChatID })
	return out, ctx.Err()
}

func (b *FileBackend) ensureUnlockedLocked() error {
	if len(b.masterKey) == 0 || len(b.salt) == 0 {
		return ErrLocked
	}
	return nil
}

func (b *FileBackend) persistLocked() error {
	serialized, err := json.Marshal(b.records)
	if err != nil {
		return fmt.Errorf("marshal records: %w", err)
	}
	defer zeroBytes(serialized)

	aead, err := chacha20poly1305.NewX(b.masterKey)
	if err != nil {
		return fmt.Errorf("init cipher: %w", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	ciphertext := aead.Seal(nil, nonce, serialized, nil)

	payload, err := json.MarshalIndent(keystoreFile{
		Version:    fileVersion,
		Salt:       base64.StdEncoding.EncodeToString(b.salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode keystore: %w", err)
	}
	return os.WriteFile(b.path, payload, 0o600)
}

func (b *FileBackend) wipeLocked() {
	for id, record := range b.records {
		record.Zero()
		delete(b.records, id)
	}
	zeroBytes(b.masterKey)
	b.masterKey = nil
}

func deriveMasterKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, argonKeyLength)
}

func openRecords(masterKey, nonce, ciphertext []byte) (map[string]ChatKeyRecord, error) {
	if len(ciphertext) == 0 {
		return map[string]ChatKeyRecord{}, nil
	}
	if len(nonce) != nonceSize {
		return nil, fmt.Errorf("invalid nonce size: %w", ErrCorruptFile)
	}
	aead, err := chacha20poly1305.NewX(masterKey)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt keystore: %w", ErrInvalidPass)
	}
	defer zeroBytes(plaintext)

	records := make(map[string]ChatKeyRecord)
	if err := json.Unmarshal(plaintext, &records); err != nil {
		return nil, fmt.Errorf("unmarshal records: %w", ErrCorruptFile)
	}
	return records, nil
}

func zeroBytes(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
