package core

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// CacheEntry records a completed step.
//
// Outputs are absolute paths of the artifacts the step produced. Digests are
// sha256 sums of those artifacts at completion time, kept for provenance; a
// hit is decided by existence and ownership, not by re-hashing content.
type CacheEntry struct {
	Hash    KeyHash           `json:"hash"`
	Stage   string            `json:"stage"`
	RunID   string            `json:"run_id,omitempty"`
	Params  map[string]string `json:"params,omitempty"`
	Outputs []string          `json:"outputs"`
	Digests []string          `json:"digests"`
	Adopted bool              `json:"adopted,omitempty"`
}

// Cache stores and retrieves step records.
type Cache interface {
	// Has checks if a cache entry exists for the given hash.
	Has(hash KeyHash) (bool, error)

	// Get retrieves a cache entry by hash.
	// Returns nil if the entry does not exist.
	Get(hash KeyHash) (*CacheEntry, error)

	// Put stores a cache entry, replacing any previous one, and makes it the
	// owner of each of its outputs.
	Put(entry *CacheEntry) error

	// Owner returns the hash of the entry that last recorded output, or ""
	// if no entry has.
	Owner(output string) (KeyHash, error)
}

// FileCache implements Cache using the filesystem.
//
// Structure:
//
//	{CacheDir}/
//	  {hash[0:2]}/
//	    {hash}.json
//	  owners/
//	    {sha256(output)[0:2]}/
//	      {sha256(output)}
type FileCache struct {
	// CacheDir is the root directory for cache storage.
	CacheDir string
}

// NewFileCache creates a new filesystem-based cache.
func NewFileCache(cacheDir string) *FileCache {
	return &FileCache{CacheDir: cacheDir}
}

// Has checks if a cache entry exists for the given hash.
func (c *FileCache) Has(hash KeyHash) (bool, error) {
	_, err := os.Stat(c.entryPath(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("checking cache entry: %w", err)
	}
	return true, nil
}

// Get retrieves a cache entry by hash.
func (c *FileCache) Get(hash KeyHash) (*CacheEntry, error) {
	data, err := os.ReadFile(c.entryPath(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading cache entry: %w", err)
	}

	var entry CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("parsing cache entry: %w", err)
	}
	return &entry, nil
}

// Put stores a cache entry.
func (c *FileCache) Put(entry *CacheEntry) error {
	if entry == nil {
		return fmt.Errorf("cache entry is nil")
	}
	path := c.entryPath(entry.Hash)
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling cache entry: %w", err)
	}
	if err := WriteFileAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("writing cache entry: %w", err)
	}
	for _, out := range entry.Outputs {
		if err := WriteFileAtomic(c.ownerPath(out), []byte(entry.Hash), 0o644); err != nil {
			return fmt.Errorf("writing output owner: %w", err)
		}
	}
	return nil
}

// Owner returns the hash of the entry that last recorded output.
func (c *FileCache) Owner(output string) (KeyHash, error) {
	data, err := os.ReadFile(c.ownerPath(output))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("reading output owner: %w", err)
	}
	return KeyHash(strings.TrimSpace(string(data))), nil
}

func (c *FileCache) ownerPath(output string) string {
	sum := sha256.Sum256([]byte(output))
	name := hex.EncodeToString(sum[:])
	return filepath.Join(c.CacheDir, "owners", name[:2], name)
}

// entryPath uses the first 2 characters of the hash as a prefix directory.
func (c *FileCache) entryPath(hash KeyHash) string {
	hashStr := string(hash)
	if len(hashStr) < 2 {
		return filepath.Join(c.CacheDir, hashStr+".json")
	}
	return filepath.Join(c.CacheDir, hashStr[:2], hashStr+".json")
}

// MemoryCache implements Cache using in-memory storage.
// Useful for testing and short-lived processes.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[KeyHash]*CacheEntry
	owners  map[string]KeyHash
}

// NewMemoryCache creates a new in-memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[KeyHash]*CacheEntry),
		owners:  make(map[string]KeyHash),
	}
}

// Has checks if a cache entry exists.
func (c *MemoryCache) Has(hash KeyHash) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, exists := c.entries[hash]
	return exists, nil
}

// Get retrieves a copy of a cache entry.
func (c *MemoryCache) Get(hash KeyHash) (*CacheEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, exists := c.entries[hash]
	if !exists {
		return nil, nil
	}
	return copyEntry(entry), nil
}

// Put stores a copy of a cache entry.
func (c *MemoryCache) Put(entry *CacheEntry) error {
	if entry == nil {
		return fmt.Errorf("cache entry is nil")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[entry.Hash] = copyEntry(entry)
	for _, out := range entry.Outputs {
		c.owners[out] = entry.Hash
	}
	return nil
}

// Owner returns the hash of the entry that last recorded output.
func (c *MemoryCache) Owner(output string) (KeyHash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.owners[output], nil
}

// Len returns the number of stored entries.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func copyEntry(entry *CacheEntry) *CacheEntry {
	cp := *entry
	cp.Outputs = append([]string(nil), entry.Outputs...)
	cp.Digests = append([]string(nil), entry.Digests...)
	if entry.Params != nil {
		cp.Params = make(map[string]string, len(entry.Params))
		for k, v := range entry.Params {
			cp.Params[k] = v
		}
	}
	return &cp
}
