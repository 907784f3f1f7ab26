package storage

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/brocaar/lorawan"

	"github.com/brocaar/lorawan-range-tester/internal/config"
)

func TestFileFrameCounterStore(t *testing.T) {
	tempDir, err := ioutil.TempDir("", "fcnt")
	require.NoError(t, err)
	defer os.RemoveAll(tempDir)

	path := filepath.Join(tempDir, "frame.txt")

	t.Run("Load without record", func(t *testing.T) {
		assert := require.New(t)
		s := NewFileFrameCounterStore(path)
		assert.Equal(uint32(0), s.Load(context.Background()))
	})

	t.Run("Save increasing values", func(t *testing.T) {
		assert := require.New(t)
		s := NewFileFrameCounterStore(path)
		assert.Equal(uint32(0), s.Load(context.Background()))

		for i := uint32(1); i <= 10; i++ {
			assert.NoError(s.Save(context.Background(), i))
			assert.Equal(i, s.Load(context.Background()))
		}

		b, err := ioutil.ReadFile(path)
		assert.NoError(err)
		assert.Equal("frame = 10\n", string(b))

		t.Run("no temporary file is left behind", func(t *testing.T) {
			assert := require.New(t)
			_, err := os.Stat(path + ".tmp")
			assert.True(os.IsNotExist(err))

			files, err := ioutil.ReadDir(tempDir)
			assert.NoError(err)
			assert.Len(files, 1)
		})
	})

	t.Run("Save rejects non-increasing values", func(t *testing.T) {
		assert := require.New(t)
		s := NewFileFrameCounterStore(path)
		assert.Equal(uint32(10), s.Load(context.Background()))

		for _, fCnt := range []uint32{0, 5, 10} {
			err := s.Save(context.Background(), fCnt)
			assert.Equal(ErrFrameCounterDecrease, errors.Cause(err))
		}

		assert.NoError(s.Save(context.Background(), 11))
		assert.Equal(ErrFrameCounterDecrease, errors.Cause(s.Save(context.Background(), 11)))
	})

	t.Run("reload after restart never decreases", func(t *testing.T) {
		assert := require.New(t)

		var last uint32
		for i := 0; i < 5; i++ {
			s := NewFileFrameCounterStore(path)
			fCnt := s.Load(context.Background())
			assert.True(fCnt >= last)

			fCnt++
			assert.NoError(s.Save(context.Background(), fCnt))
			last = fCnt
		}
		assert.Equal(uint32(16), last)
	})

	t.Run("corrupt records", func(t *testing.T) {
		tests := []struct {
			Name    string
			Content string
		}{
			{"empty", ""},
			{"garbage", "hello world"},
			{"wrong key", "counter = 10"},
			{"negative", "frame = -1"},
			{"overflow", "frame = 4294967296"},
			{"not a number", "frame = ten"},
		}

		for _, tst := range tests {
			t.Run(tst.Name, func(t *testing.T) {
				assert := require.New(t)
				p := filepath.Join(tempDir, "corrupt.txt")
				assert.NoError(ioutil.WriteFile(p, []byte(tst.Content), 0644))

				s := NewFileFrameCounterStore(p)
				assert.Equal(uint32(0), s.Load(context.Background()))
				assert.NoError(s.Save(context.Background(), 1))
				assert.Equal(uint32(1), s.Load(context.Background()))
			})
		}
	})

	t.Run("hand-written record", func(t *testing.T) {
		assert := require.New(t)
		p := filepath.Join(tempDir, "legacy.txt")
		assert.NoError(ioutil.WriteFile(p, []byte("frame = 1234"), 0644))

		s := NewFileFrameCounterStore(p)
		assert.Equal(uint32(1234), s.Load(context.Background()))
	})

	t.Run("annotated record", func(t *testing.T) {
		assert := require.New(t)
		p := filepath.Join(tempDir, "annotated.txt")
		assert.NoError(ioutil.WriteFile(p, []byte("frame = 1234\n# moved to new board\nframe = 1300\n"), 0644))

		s := NewFileFrameCounterStore(p)
		assert.Equal(uint32(1300), s.Load(context.Background()))
		assert.Equal(ErrFrameCounterDecrease, errors.Cause(s.Save(context.Background(), 1300)))
		assert.NoError(s.Save(context.Background(), 1301))
	})

	t.Run("Save to unwritable location", func(t *testing.T) {
		assert := require.New(t)
		s := NewFileFrameCounterStore(filepath.Join(tempDir, "does-not-exist", "frame.txt"))
		assert.Error(s.Save(context.Background(), 1))
	})
}

func TestParseFrameCounterRecord(t *testing.T) {
	tests := []struct {
		In       string
		Expected uint32
		Error    bool
	}{
		{"frame = 0", 0, false},
		{"frame = 42\n", 42, false},
		{"frame=7", 7, false},
		{"  frame   =   99  \n", 99, false},
		{"frame = 4294967295", 4294967295, false},
		{"frame = 1234\n# edited by hand\n", 1234, false},
		{"frame = 1234\nframe = 1300\n", 1300, false},
		{"# counter\nframe = 12 (before reset)\n\n", 12, false},
		{"frame", 0, true},
		{"= 5", 0, true},
		{"# frame = 5", 0, true},
		{"frame = 4294967296", 0, true},
	}

	for _, tst := range tests {
		t.Run(tst.In, func(t *testing.T) {
			assert := require.New(t)
			v, err := parseFrameCounterRecord(tst.In)
			if tst.Error {
				assert.Error(err)
				return
			}
			assert.NoError(err)
			assert.Equal(tst.Expected, v)
		})
	}
}

func TestNewFrameCounterStore(t *testing.T) {
	assert := require.New(t)

	var c config.Config
	c.FrameCounter.Path = "frame.txt"

	s, err := NewFrameCounterStore(c, lorawan.DevAddr{1, 2, 3, 4})
	assert.NoError(err)
	assert.IsType(&FileFrameCounterStore{}, s)

	c.FrameCounter.Type = "unknown"
	_, err = NewFrameCounterStore(c, lorawan.DevAddr{1, 2, 3, 4})
	assert.EqualError(err, "unknown frame-counter store type: unknown")

	SetRedisClient(nil)
	c.FrameCounter.Type = "redis"
	_, err = NewFrameCounterStore(c, lorawan.DevAddr{1, 2, 3, 4})
	assert.Error(err)
}

func (ts *StorageTestSuite) TestRedisFrameCounterStore() {
	devAddr := lorawan.DevAddr{1, 2, 3, 4}

	ts.T().Run("Load without record", func(t *testing.T) {
		assert := require.New(t)
		s := NewRedisFrameCounterStore(RedisClient(), devAddr)
		assert.Equal(uint32(0), s.Load(context.Background()))
	})

	ts.T().Run("Save and reload", func(t *testing.T) {
		assert := require.New(t)
		s := NewRedisFrameCounterStore(RedisClient(), devAddr)
		s.Load(context.Background())

		for i := uint32(1); i <= 5; i++ {
			assert.NoError(s.Save(context.Background(), i))
		}

		s2 := NewRedisFrameCounterStore(RedisClient(), devAddr)
		assert.Equal(uint32(5), s2.Load(context.Background()))
		assert.Equal(ErrFrameCounterDecrease, errors.Cause(s2.Save(context.Background(), 5)))
		assert.NoError(s2.Save(context.Background(), 6))
	})

	ts.T().Run("stored value is never lowered", func(t *testing.T) {
		assert := require.New(t)

		// a store that has not seen the stored value
		s := NewRedisFrameCounterStore(RedisClient(), devAddr)
		assert.Equal(ErrFrameCounterDecrease, errors.Cause(s.Save(context.Background(), 3)))
		assert.Equal(uint32(6), s.Load(context.Background()))
	})

	ts.T().Run("corrupt record", func(t *testing.T) {
		assert := require.New(t)
		key := GetRedisKey(frameCounterKeyTempl, devAddr)
		assert.NoError(RedisClient().Set(context.Background(), key, "garbage", 0).Err())

		s := NewRedisFrameCounterStore(RedisClient(), devAddr)
		assert.Equal(uint32(0), s.Load(context.Background()))
	})
}
