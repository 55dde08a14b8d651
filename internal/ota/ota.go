package ota

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ferrule/boardlink/internal/codec"
	"github.com/ferrule/boardlink/internal/logging"
	"github.com/ferrule/boardlink/internal/protocol"
	"github.com/ferrule/boardlink/internal/session"
)

// progressDelay defers the progress report so the block write wins the race
// for the socket.
const progressDelay = 100 * time.Millisecond

// transfer is one firmware image staged for a single board. data is released
// once the terminating empty block has been served; the record itself stays
// until the board re-registers with the new-firmware flag.
type transfer struct {
	target    string
	admin     string
	data      []byte
	blockSize int
}

// Coordinator stages firmware images uploaded by admin clients and serves
// them to boards block by block.
type Coordinator struct {
	mu        sync.Mutex
	transfers []*transfer

	reg *session.Registry

	// delay is swappable for tests
	delay func(d time.Duration, fn func())
}

func NewCoordinator(reg *session.Registry) *Coordinator {
	return &Coordinator{
		reg:   reg,
		delay: func(d time.Duration, fn func()) { time.AfterFunc(d, fn) },
	}
}

// HandleStart processes an admin's update request:
//
//	0 command  1 target id  2 admin id  3 firmware  4 time  5 disposable key
//	6 block size  7 firmware digest
//
// A digest mismatch cancels the update and pushes a log frame back to the
// requester. On success the staged image replaces any previous one for the
// same target and the board receives the start announcement.
func (c *Coordinator) HandleStart(requester *session.Conn, arr []any) {
	if len(arr) != 8 {
		return
	}

	firmware, _ := arr[3].([]byte)
	sum := sha256.Sum256(firmware)
	declared := asHexString(arr[7])

	if hex.EncodeToString(sum[:]) != declared {
		requester.Send(codec.Encode(protocol.OpLog, arr[1], arr[2], "Hash check failed"))
		logging.Info("Firmware upload rejected, digest mismatch",
			zap.String("remote_addr", requester.RemoteAddr()))
		return
	}

	target := asHexString(arr[1])
	admin := asHexString(arr[2])
	blockSize, ok := asInt(arr[6])
	if !ok || blockSize <= 0 {
		return
	}

	tr := &transfer{
		target:    target,
		admin:     admin,
		data:      firmware,
		blockSize: blockSize,
	}

	c.mu.Lock()
	replaced := false
	for i, t := range c.transfers {
		if t.target == target {
			c.transfers[i] = tr
			replaced = true
			break
		}
	}
	if !replaced {
		c.transfers = append(c.transfers, tr)
	}
	c.mu.Unlock()

	requester.SetClientIDIfEmpty(admin)

	logging.Info("Staged firmware for board",
		zap.String("target", target),
		zap.Int("size", len(firmware)),
		zap.Int("block_size", blockSize))

	board := c.reg.FindByID(target)
	if board == nil {
		return
	}
	board.Send(codec.Encode(
		protocol.OpOTAStart,
		admin,
		arr[6],
		len(firmware),
		arr[4],
		arr[5],
	))
}

// HandleBlockRequest serves one block to a board:
//
//	0 command  1 board id (bytes)  2 block index
//
// The reply carries the raw sha256 of the block, the block itself and the
// echoed index. An index at or past the end of the image yields an empty
// block, which signals completion: the admin gets a log frame with payload
// 100 and the image buffer is released. While data remains, a deferred
// progress report goes to the admin.
func (c *Coordinator) HandleBlockRequest(board *session.Conn, arr []any) {
	if len(arr) < 3 {
		return
	}
	id, ok := arr[1].([]byte)
	if !ok {
		return
	}
	idx, ok := asInt(arr[2])
	if !ok || idx < 0 {
		return
	}

	c.mu.Lock()
	var tr *transfer
	for _, t := range c.transfers {
		if t.target == hex.EncodeToString(id) {
			tr = t
			break
		}
	}
	if tr == nil || tr.data == nil {
		c.mu.Unlock()
		logging.Debug("Block request for unknown transfer",
			zap.String("board", hex.EncodeToString(id)))
		return
	}

	total := len(tr.data)
	// Indexes past the final block serve the terminating empty block. The
	// division form also keeps idx*blockSize from overflowing int when a
	// peer sends a huge index.
	start := total
	if idx <= total/tr.blockSize {
		start = idx * tr.blockSize
	}
	if start > total {
		start = total
	}
	end := total
	if total-start > tr.blockSize {
		end = start + tr.blockSize
	}
	block := tr.data[start:end]
	done := len(block) == 0
	if done {
		tr.data = nil
	}
	c.mu.Unlock()

	sum := sha256.Sum256(block)
	board.Send(codec.Encode(
		protocol.OpOTABlock,
		sum[:],
		block,
		arr[2],
	))
	logging.Debug("Served firmware block",
		zap.String("board", tr.target),
		zap.Int("index", idx),
		zap.Int("len", len(block)))

	if done {
		if admin := c.reg.FindByID(tr.admin); admin != nil {
			admin.Send(codec.Encode(protocol.OpLog, tr.target, tr.admin, uint8(100)))
		}
		return
	}

	c.delay(progressDelay, func() {
		c.mu.Lock()
		live := tr.data != nil
		c.mu.Unlock()
		if !live {
			return
		}
		percent := start * 100 / total
		if admin := c.reg.FindByID(tr.admin); admin != nil {
			admin.Send(codec.Encode(protocol.OpOTAProgress, tr.target, percent))
		}
	})
}

// CompleteReboot runs when a board registers with the new-firmware flag
// set. If a transfer record exists for it, the admin that requested the
// update is told the board is back online and the record is dropped.
func (c *Coordinator) CompleteReboot(boardID string) {
	c.mu.Lock()
	var tr *transfer
	for i, t := range c.transfers {
		if t.target == boardID {
			tr = t
			c.transfers = append(c.transfers[:i], c.transfers[i+1:]...)
			break
		}
	}
	c.mu.Unlock()

	if tr == nil {
		return
	}
	if admin := c.reg.FindByID(tr.admin); admin != nil {
		admin.Send(codec.Encode(protocol.OpLog, tr.target, tr.admin, "Client online"))
	}
	logging.Info("Board back online after update", zap.String("board", boardID))
}

// Active reports the number of staged transfer records, finished or not.
func (c *Coordinator) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.transfers)
}

func asHexString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return hex.EncodeToString(s)
	default:
		return ""
	}
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case uint8:
		return int(n), true
	case uint16:
		return int(n), true
	case uint32:
		return int(n), true
	case uint64:
		return int(n), true
	case int8:
		return int(n), true
	case int16:
		return int(n), true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float32:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
