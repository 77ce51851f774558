// Package persistence implements message persisters for the router.
//
// Every implementation stores the same record per pending delivery, four
// newline separated lines:
//
//	<delay in milliseconds>
//	<retry count>
//	<base64 of the serialized message>
//	<JSON array of destination addresses>
//
// Messages are stored with an absolute ttl so that time spent on disk counts
// against their expiry. In-process destinations do not survive a restart and
// are never written.
package persistence

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/rmacdonaldsmith/meshrouter/pkg/address"
	"github.com/rmacdonaldsmith/meshrouter/pkg/message"
	"github.com/rmacdonaldsmith/meshrouter/pkg/persistence"
)

// EncodeRecord serializes item into the record format.
func EncodeRecord(item *message.PendingDelivery) ([]byte, error) {
	destinations, err := json.Marshal(item.PersistableDestinations())
	if err != nil {
		return nil, fmt.Errorf("%w: encoding destinations: %v", persistence.ErrPersistence, err)
	}

	var buf bytes.Buffer
	buf.WriteString(strconv.FormatInt(item.Delay.Milliseconds(), 10))
	buf.WriteByte('\n')
	buf.WriteString(strconv.Itoa(item.RetriesCount))
	buf.WriteByte('\n')
	buf.WriteString(base64.StdEncoding.EncodeToString(item.Message.WithAbsoluteTTL().Bytes()))
	buf.WriteByte('\n')
	buf.Write(destinations)
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// DecodeRecord parses a record written by EncodeRecord.
func DecodeRecord(data []byte) (*message.PendingDelivery, error) {
	lines := bytes.Split(bytes.TrimRight(data, "\n"), []byte("\n"))
	if len(lines) != 4 {
		return nil, fmt.Errorf("%w: record has %d lines, want 4", persistence.ErrPersistence, len(lines))
	}

	delayMs, err := strconv.ParseInt(string(lines[0]), 10, 64)
	if err != nil || delayMs < 0 {
		return nil, fmt.Errorf("%w: invalid delay %q", persistence.ErrPersistence, lines[0])
	}
	retries, err := strconv.Atoi(string(lines[1]))
	if err != nil || retries < 0 {
		return nil, fmt.Errorf("%w: invalid retry count %q", persistence.ErrPersistence, lines[1])
	}
	raw, err := base64.StdEncoding.DecodeString(string(lines[2]))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid message encoding: %v", persistence.ErrPersistence, err)
	}
	msg, err := message.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", persistence.ErrPersistence, err)
	}
	var destinations []address.Address
	if err := json.Unmarshal(lines[3], &destinations); err != nil {
		return nil, fmt.Errorf("%w: invalid destinations: %v", persistence.ErrPersistence, err)
	}

	item := message.NewPendingDelivery(msg, destinations)
	item.Delay = time.Duration(delayMs) * time.Millisecond
	item.RetriesCount = retries
	return item, nil
}
