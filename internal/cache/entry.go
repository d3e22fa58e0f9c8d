package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/proxycad/proxycad/internal/dataset"
)

// Key 由数据集指纹与计划摘要派生，输入相同则键相同。
func Key(fingerprint, digest string) string {
	h := sha256.New()
	h.Write([]byte(fingerprint))
	h.Write([]byte{0})
	h.Write([]byte(digest))
	return hex.EncodeToString(h.Sum(nil))
}

// Entry 是一条已提交的缓存记录。Primary/Files 为产物目录内的文件名。
type Entry struct {
	Key        string         `cbor:"1,keyasint" msgpack:"key" json:"key"`
	Handle     dataset.Handle `cbor:"2,keyasint" msgpack:"handle" json:"handle"`
	Primary    string         `cbor:"3,keyasint" msgpack:"primary" json:"primary"`
	Files      []string       `cbor:"4,keyasint" msgpack:"files" json:"files"`
	SizeBytes  int64          `cbor:"5,keyasint" msgpack:"size_bytes" json:"size_bytes"`
	CreatedAt  time.Time      `cbor:"6,keyasint" msgpack:"created_at" json:"created_at"`
	LastAccess time.Time      `cbor:"7,keyasint" msgpack:"last_access" json:"last_access"`
}

func (e Entry) clone() Entry {
	out := e
	out.Files = append([]string(nil), e.Files...)
	out.Handle.Attributes = append([]string(nil), e.Handle.Attributes...)
	return out
}

// Artifact 是构建函数在暂存目录中写出的结果，路径均为绝对路径。
type Artifact struct {
	Handle  dataset.Handle
	Primary string
	Files   []string
}

// Stats 是缓存的运行时统计。
type Stats struct {
	Entries       int   `json:"entries"`
	SizeBytes     int64 `json:"size_bytes"`
	CapacityBytes int64 `json:"capacity_bytes"`
	Hits          int64 `json:"hits"`
	Misses        int64 `json:"misses"`
	Evictions     int64 `json:"evictions"`
	InFlight      int   `json:"in_flight"`
}
