package agora

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/coocood/freecache"
	json "github.com/goccy/go-json"

	"github.com/agora-chat/agora/types"
)

// maxObjectBytes bounds how much of a gateway response we'll buffer. The
// largest legitimate payload is a compressed history snapshot, well under
// the protocol's 2 MiB serialized budget.
const maxObjectBytes = 16 << 20

// Signature headers on feed writes. The gateway checks the key hashes to the
// feed owner's address and the signature covers the entry digest.
const (
	headerPublicKey = "X-Agora-Public-Key"
	headerSignature = "X-Agora-Signature"
)

// GatewayStorage is the HTTP-gateway StorageClient. Objects and feed entries
// are immutable once written, so both sides of a read go through a local
// cache; only latest-index lookups always hit the gateway.
type GatewayStorage struct {
	baseURL string
	client  *http.Client
	cache   *freecache.Cache
}

// NewGatewayStorage creates a client for a gateway at baseURL. cacheBytes
// sizes the local object cache; zero takes the host memory profile default.
func NewGatewayStorage(baseURL string, cacheBytes int) *GatewayStorage {
	if cacheBytes <= 0 {
		cacheBytes = DefaultMemoryProfile().ObjectCacheBytes
	}
	return &GatewayStorage{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
		cache:   freecache.NewCache(cacheBytes),
	}
}

type objectUploadResponse struct {
	Ref types.Reference `json:"ref"`
}

type latestIndexResponse struct {
	Index int64 `json:"index"`
}

// UploadObject pushes an immutable blob and returns its content reference.
// The gateway derives the reference; we cross-check it against the content
// so a confused gateway can't hand back a ref for someone else's bytes.
func (g *GatewayStorage) UploadObject(ctx context.Context, data []byte) (types.Reference, error) {
	body, err := g.do(ctx, http.MethodPost, g.baseURL+"/objects", data, nil)
	if err != nil {
		return "", err
	}
	var parsed objectUploadResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("upload response: %w", err)
	}
	if expected := contentRef(data); parsed.Ref != expected {
		return "", fmt.Errorf("gateway returned ref %s for content %s", parsed.Ref, expected)
	}
	g.cache.Set(objectCacheKey(parsed.Ref), data, 0)
	return parsed.Ref, nil
}

// DownloadObject fetches a blob by reference, verifying the content digest.
func (g *GatewayStorage) DownloadObject(ctx context.Context, ref types.Reference) ([]byte, error) {
	key := objectCacheKey(ref)
	if data, err := g.cache.Get(key); err == nil {
		storageCacheHitsTotal.Inc()
		return data, nil
	}
	storageCacheMissesTotal.Inc()

	data, err := g.do(ctx, http.MethodGet, g.baseURL+"/objects/"+ref.String(), nil, nil)
	if err != nil {
		return nil, err
	}
	if contentRef(data) != ref {
		return nil, fmt.Errorf("object %s: digest mismatch on download", ref)
	}
	g.cache.Set(key, data, 0)
	return data, nil
}

// WriteFeedEntry appends to the owner's feed at the given index. The entry
// is signed with the owner key; the gateway rejects writes whose key does
// not hash to the feed address.
func (g *GatewayStorage) WriteFeedEntry(ctx context.Context, topic types.Topic, owner Keypair, index int64, data []byte) error {
	address := owner.Address()
	headers := map[string]string{
		headerPublicKey: FormatPublicKey(owner.PublicKey),
		headerSignature: owner.SignBase64(feedSignable(topic, address, index, data)),
	}
	url := g.feedURL(topic, address, index)
	if _, err := g.do(ctx, http.MethodPost, url, data, headers); err != nil {
		return err
	}
	g.cache.Set(feedCacheKey(topic, address, index), data, 0)
	return nil
}

// ReadFeedEntry fetches one feed entry; ErrNotFound when it doesn't exist
// yet.
func (g *GatewayStorage) ReadFeedEntry(ctx context.Context, topic types.Topic, owner types.Address, index int64) ([]byte, error) {
	key := feedCacheKey(topic, owner, index)
	if data, err := g.cache.Get(key); err == nil {
		storageCacheHitsTotal.Inc()
		return data, nil
	}
	storageCacheMissesTotal.Inc()

	data, err := g.do(ctx, http.MethodGet, g.feedURL(topic, owner, index), nil, nil)
	if err != nil {
		return nil, err
	}
	g.cache.Set(key, data, 0)
	return data, nil
}

// LatestFeedIndex asks the gateway for the feed's highest index, -1 for an
// empty feed. Never cached: it's the one mutable lookup.
func (g *GatewayStorage) LatestFeedIndex(ctx context.Context, topic types.Topic, owner types.Address) (int64, error) {
	url := fmt.Sprintf("%s/feeds/%s/%s/latest", g.baseURL, topic, owner)
	body, err := g.do(ctx, http.MethodGet, url, nil, nil)
	if errors.Is(err, ErrNotFound) {
		return -1, nil
	}
	if err != nil {
		return -1, err
	}
	var parsed latestIndexResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return -1, fmt.Errorf("latest index response: %w", err)
	}
	return parsed.Index, nil
}

func (g *GatewayStorage) feedURL(topic types.Topic, owner types.Address, index int64) string {
	return fmt.Sprintf("%s/feeds/%s/%s/%d", g.baseURL, topic, owner, index)
}

// do runs one request and returns the response body. 404 maps to
// ErrNotFound so feed polling can tell "not yet" from real failures.
func (g *GatewayStorage) do(ctx context.Context, method, url string, body []byte, headers map[string]string) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/octet-stream")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s %s: gateway returned %s", method, url, resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxObjectBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxObjectBytes {
		return nil, fmt.Errorf("%s %s: response exceeds %d bytes", method, url, maxObjectBytes)
	}
	return data, nil
}

// objectCacheKey and feedCacheKey carry distinct prefixes because objects
// and feed entries share one cache.
func objectCacheKey(ref types.Reference) []byte {
	return []byte("object:" + ref.String())
}

func feedCacheKey(topic types.Topic, owner types.Address, index int64) []byte {
	return []byte(fmt.Sprintf("feed:%s:%s:%d", topic, owner, index))
}

// contentRef computes the reference an immutable blob must live under.
func contentRef(data []byte) types.Reference {
	digest := sha256.Sum256(data)
	return types.Reference(hex.EncodeToString(digest[:]))
}

// feedSignable is the digest a feed write signature covers: the feed
// coordinates plus the entry's content hash, colon-canonical like every
// other signed payload here.
func feedSignable(topic types.Topic, owner types.Address, index int64, data []byte) []byte {
	digest := sha256.Sum256(data)
	content := fmt.Sprintf("feed:%s:%s:%d:%s", topic, owner, index, hex.EncodeToString(digest[:]))
	sum := sha256.Sum256([]byte(content))
	return sum[:]
}
