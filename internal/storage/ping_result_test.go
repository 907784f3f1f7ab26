package storage

import (
	"context"
	"time"

	"github.com/gofrs/uuid"

	"github.com/brocaar/lorawan"
)

func (ts *StorageTestSuite) TestPingResult() {
	assert := ts.Require()

	sessionID, err := uuid.NewV4()
	assert.NoError(err)

	msg := "server ack"
	items := []PingResult{
		{
			SessionID:       sessionID,
			CreatedAt:       time.Now().Round(time.Millisecond),
			Iteration:       2,
			FCnt:            12,
			DevAddr:         lorawan.DevAddr{1, 2, 3, 4},
			DownlinkKind:    DownlinkKindAck,
			Message:         &msg,
			RSSI:            -90,
			PacketRSSI:      -85,
			SNR:             7.25,
			Frequency:       923300000,
			SpreadingFactor: 7,
		},
		{
			SessionID:       sessionID,
			Iteration:       1,
			FCnt:            11,
			DevAddr:         lorawan.DevAddr{1, 2, 3, 4},
			DownlinkKind:    DownlinkKindOther,
			RSSI:            -100,
			PacketRSSI:      -101,
			SNR:             -2.5,
			Frequency:       923300000,
			SpreadingFactor: 7,
		},
	}

	for i := range items {
		assert.NoError(CreatePingResult(context.Background(), DB(), &items[i]))
		assert.NotEqual(uuid.Nil, items[i].ID)
	}

	ts.Run("Create duplicate", func() {
		assert := ts.Require()
		err := CreatePingResult(context.Background(), DB(), &items[0])
		assert.Equal(ErrAlreadyExists, err)
	})

	ts.Run("Count", func() {
		assert := ts.Require()
		count, err := GetPingResultCount(context.Background(), DB(), sessionID)
		assert.NoError(err)
		assert.Equal(2, count)
	})

	ts.Run("Get for session", func() {
		assert := ts.Require()
		out, err := GetPingResultsForSession(context.Background(), DB(), sessionID)
		assert.NoError(err)
		assert.Len(out, 2)

		assert.Equal(uint32(1), out[0].Iteration)
		assert.Nil(out[0].Message)
		assert.Equal(DownlinkKindOther, out[0].DownlinkKind)

		assert.Equal(uint32(2), out[1].Iteration)
		assert.Equal(&msg, out[1].Message)
		assert.Equal(lorawan.DevAddr{1, 2, 3, 4}, out[1].DevAddr)
		assert.Equal(7.25, out[1].SNR)
		assert.Equal(-85, out[1].PacketRSSI)
		assert.True(out[1].CreatedAt.Equal(items[0].CreatedAt))
	})
}
