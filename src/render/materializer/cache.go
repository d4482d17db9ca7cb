package materializer

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"viewport-engine/src/render/types"
)

// payloadCache keeps prepared payloads by item id so re-entering items skip preparation
type payloadCache struct {
	enabled bool
	lru     *lru.Cache[string, types.Payload]
}

func newPayloadCache(size int) *payloadCache {
	if size <= 0 {
		return &payloadCache{}
	}
	c, err := lru.New[string, types.Payload](size)
	if err != nil {
		return &payloadCache{}
	}
	return &payloadCache{enabled: true, lru: c}
}

func (pc *payloadCache) get(id string) (types.Payload, bool) {
	if !pc.enabled || pc.lru == nil {
		return types.Payload{}, false
	}
	return pc.lru.Get(id)
}

func (pc *payloadCache) contains(id string) bool {
	return pc.enabled && pc.lru != nil && pc.lru.Contains(id)
}

func (pc *payloadCache) add(p types.Payload) {
	if !pc.enabled || pc.lru == nil || p.ItemID == "" {
		return
	}
	pc.lru.Add(p.ItemID, p)
}

func (pc *payloadCache) setEnabled(enabled bool) {
	if pc.lru == nil {
		return
	}
	if !enabled {
		pc.lru.Purge()
	}
	pc.enabled = enabled
}

func (pc *payloadCache) purge() {
	if pc.lru != nil {
		pc.lru.Purge()
	}
}

func (pc *payloadCache) size() int {
	if pc.lru == nil {
		return 0
	}
	return pc.lru.Len()
}
