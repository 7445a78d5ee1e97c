package inmemory

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/donmikel/photobatch/applications/server/interfaces"
)

const defaultCapacityInBytes = 1024 * 1024 * 1024 // 1 GiB

var ErrNotEnoughSpace = errors.New("not enough free space")

type object struct {
	data        []byte
	contentType string
}

type inMemoryStorage struct {
	objects   map[string]object
	freeSpace int64
	baseURL   string
	log       log.Logger
	mutex     sync.RWMutex
}

// NewStorage returns an object storage that keeps everything in process
// memory. A capacity <= 0 selects the default of 1 GiB.
func NewStorage(baseURL string, capacity int64, logger log.Logger) interfaces.ObjectStorage {
	return newStorage(baseURL, capacity, logger)
}

func newStorage(baseURL string, capacity int64, logger log.Logger) *inMemoryStorage {
	if capacity <= 0 {
		capacity = defaultCapacityInBytes
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}

	return &inMemoryStorage{
		objects:   map[string]object{},
		freeSpace: capacity,
		baseURL:   strings.TrimRight(baseURL, "/"),
		log:       logger,
	}
}

func (m *inMemoryStorage) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", fmt.Errorf("can't read object body: %w", err)
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	dataLen := int64(len(data)) - int64(len(m.objects[key].data))
	if dataLen > m.freeSpace {
		return "", ErrNotEnoughSpace
	}

	m.objects[key] = object{data: data, contentType: contentType}
	m.freeSpace -= dataLen

	level.Debug(m.log).Log("msg", "object stored",
		"key", key,
		"size", humanize.Bytes(uint64(len(data))),
		"free_space", humanize.Bytes(uint64(m.freeSpace)),
	)

	return m.baseURL + "/" + key, nil
}

func (m *inMemoryStorage) Delete(ctx context.Context, key string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.freeSpace += int64(len(m.objects[key].data))
	delete(m.objects, key)

	return nil
}

// Get returns a copy of the stored bytes.
func (m *inMemoryStorage) Get(key string) ([]byte, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	obj, ok := m.objects[key]
	if !ok {
		return nil, false
	}

	return bytes.Clone(obj.data), true
}

func (m *inMemoryStorage) Len() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	return len(m.objects)
}
