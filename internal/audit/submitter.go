package audit

import (
	"bytes"
	"context"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Submitter ships a batch of entries to the remote audit sink
type Submitter interface {
	Submit(ctx context.Context, batch []*Entry) error
}

// SubmitterFunc adapts a function to Submitter
type SubmitterFunc func(ctx context.Context, batch []*Entry) error

func (f SubmitterFunc) Submit(ctx context.Context, batch []*Entry) error { return f(ctx, batch) }

// SubmissionError reports a rejected or failed submission. It is retryable.
type SubmissionError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *SubmissionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("audit submission failed: %v", e.Err)
	}
	return fmt.Sprintf("audit submission rejected with status %d: %s", e.StatusCode, e.Body)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// BatchMetadata accompanies every submitted batch
type BatchMetadata struct {
	BatchID   string    `json:"batchId"`
	Timestamp time.Time `json:"timestamp"`
	ClientID  string    `json:"clientId"`
	Encrypted bool      `json:"encrypted"`
}

// Batch is the submission body. Exactly one of Entries or Blob is set.
type Batch struct {
	Entries  []*Entry      `json:"entries,omitempty"`
	Blob     string        `json:"encrypted_blob,omitempty"`
	Metadata BatchMetadata `json:"metadata"`
}

// HTTPSubmitterConfig configures an HTTPSubmitter
type HTTPSubmitterConfig struct {
	Endpoint      string
	Token         string
	ClientID      string
	ClientVersion string
	// EncryptionKey enables payload encryption when non-empty
	EncryptionKey []byte
	Timeout       time.Duration
}

// HTTPSubmitter posts batches as JSON to the audit ingestion endpoint
type HTTPSubmitter struct {
	cfg  HTTPSubmitterConfig
	rest *resty.Client
	aead cipher.AEAD
}

// NewHTTPSubmitter creates a submitter. A nil client uses a client with the
// configured timeout.
func NewHTTPSubmitter(cfg HTTPSubmitterConfig, client *http.Client) (*HTTPSubmitter, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.ClientVersion == "" {
		cfg.ClientVersion = "1.0.0"
	}
	rest := resty.New()
	if client != nil {
		rest = resty.NewWithClient(client)
	} else {
		rest.SetTimeout(cfg.Timeout)
	}
	rest.SetHeader("Content-Type", "application/json").
		SetHeader("X-Client-Version", cfg.ClientVersion)
	if cfg.Token != "" {
		rest.SetAuthToken(cfg.Token)
	}

	s := &HTTPSubmitter{cfg: cfg, rest: rest}
	if len(cfg.EncryptionKey) > 0 {
		aead, err := newBatchCipher(cfg.EncryptionKey, cfg.ClientID)
		if err != nil {
			return nil, err
		}
		s.aead = aead
	}
	return s, nil
}

func (s *HTTPSubmitter) Submit(ctx context.Context, batch []*Entry) error {
	body := Batch{
		Metadata: BatchMetadata{
			BatchID:   uuid.New().String(),
			Timestamp: time.Now().UTC(),
			ClientID:  s.cfg.ClientID,
			Encrypted: s.aead != nil,
		},
	}

	if s.aead != nil {
		blob, err := s.seal(batch, body.Metadata.BatchID)
		if err != nil {
			return err
		}
		body.Blob = blob
	} else {
		body.Entries = batch
	}

	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal audit batch: %w", err)
	}

	resp, err := s.rest.R().
		SetContext(ctx).
		SetHeader("X-Batch-Size", strconv.Itoa(len(batch))).
		SetBody(data).
		Post(s.cfg.Endpoint)
	if err != nil {
		return &SubmissionError{Err: err}
	}

	if resp.StatusCode() < 200 || resp.StatusCode() > 299 {
		msg := resp.Body()
		if len(msg) > 1024 {
			msg = msg[:1024]
		}
		return &SubmissionError{StatusCode: resp.StatusCode(), Body: string(bytes.TrimSpace(msg))}
	}
	return nil
}

// seal encrypts the entries with the batch id as associated data and
// returns base64(nonce || ciphertext)
func (s *HTTPSubmitter) seal(batch []*Entry, batchID string) (string, error) {
	plain, err := json.Marshal(batch)
	if err != nil {
		return "", fmt.Errorf("failed to marshal audit entries: %w", err)
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, plain, []byte(batchID))
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// OpenBatch decrypts an encrypted batch body with the shared key
func OpenBatch(b Batch, key []byte) ([]*Entry, error) {
	if !b.Metadata.Encrypted {
		return b.Entries, nil
	}
	aead, err := newBatchCipher(key, b.Metadata.ClientID)
	if err != nil {
		return nil, err
	}
	sealed, err := base64.StdEncoding.DecodeString(b.Blob)
	if err != nil {
		return nil, fmt.Errorf("failed to decode encrypted batch: %w", err)
	}
	if len(sealed) < aead.NonceSize() {
		return nil, fmt.Errorf("encrypted batch is too short")
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, []byte(b.Metadata.BatchID))
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt batch: %w", err)
	}

	var entries []*Entry
	if err := json.Unmarshal(plain, &entries); err != nil {
		return nil, fmt.Errorf("failed to decode decrypted batch: %w", err)
	}
	return entries, nil
}

// newBatchCipher derives a per-client XChaCha20-Poly1305 key from the shared secret
func newBatchCipher(secret []byte, clientID string) (cipher.AEAD, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, secret, []byte(clientID), []byte("aegis-audit-batch"))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("failed to derive batch key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create batch cipher: %w", err)
	}
	return aead, nil
}
