package repository

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShardPartitionsUsers(t *testing.T) {
	assert.Nil(t, Shard(0, 1))
	assert.True(t, Partition(nil).Owns(12))

	p0, p1 := Shard(0, 2), Shard(1, 2)
	for id := uint64(1); id <= 10; id++ {
		assert.NotEqual(t, p0.Owns(id), p1.Owns(id), "user %d must belong to exactly one shard", id)
	}
}
