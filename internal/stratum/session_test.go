package stratum

import (
	"bufio"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/kaspa-stratum/bridge/internal/jobs"
	"github.com/kaspa-stratum/bridge/internal/kaspadrpc"
	"github.com/kaspa-stratum/bridge/internal/watch"
)

var zeroHash32 = strings.Repeat("00", 32)

func testBlock(nonce uint64) *kaspadrpc.RpcBlock {
	return &kaspadrpc.RpcBlock{
		Header: &kaspadrpc.RpcBlockHeader{
			Version:              1,
			Parents:              []kaspadrpc.RpcBlockLevelParents{{ParentHashes: []string{zeroHash32}}},
			HashMerkleRoot:       zeroHash32,
			AcceptedIDMerkleRoot: zeroHash32,
			UTXOCommitment:       zeroHash32,
			Bits:                 0x207fffff,
			BlueWork:             "1",
			PruningPoint:         zeroHash32,
			Nonce:                nonce,
		},
	}
}

type harness struct {
	cache   *jobs.Cache
	cell    *watch.Cell[*jobs.JobParams]
	outbound chan kaspadrpc.Payload
	clientConn net.Conn
	clientReader *bufio.Reader
}

func newHarness(t *testing.T) *harness {
	outbound := make(chan kaspadrpc.Payload, 8)
	cache := jobs.New(outbound)
	cell := watch.NewCell[*jobs.JobParams](nil)

	serverConn, clientConn := net.Pipe()
	session := NewSession(serverConn, [2]byte{0x00, 0x01}, cache, cell)
	go session.Serve()

	t.Cleanup(func() { clientConn.Close() })

	return &harness{
		cache:        cache,
		cell:         cell,
		outbound:     outbound,
		clientConn:   clientConn,
		clientReader: bufio.NewReader(clientConn),
	}
}

func (h *harness) send(t *testing.T, line string) {
	t.Helper()
	if _, err := h.clientConn.Write([]byte(line + "\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func (h *harness) readFrame(t *testing.T) map[string]interface{} {
	t.Helper()
	done := make(chan struct{})
	var line []byte
	var err error
	go func() {
		line, err = h.clientReader.ReadBytes('\n')
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
	}
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var frame map[string]interface{}
	if err := json.Unmarshal(line, &frame); err != nil {
		t.Fatalf("unmarshal %q: %v", line, err)
	}
	return frame
}

func TestSubscribeThenNotifyAndSetDifficulty(t *testing.T) {
	h := newHarness(t)

	jp, ok := h.cache.Insert(testBlock(0))
	if !ok {
		t.Fatal("Insert: unexpected rejection")
	}
	h.cell.Set(jp)

	h.send(t, `{"id":1,"method":"mining.subscribe"}`)

	subResp := h.readFrame(t)
	if subResp["result"] != true {
		t.Fatalf("subscribe response = %v, want result=true", subResp)
	}

	extranonce := h.readFrame(t)
	if extranonce["method"] != "set_extranonce" {
		t.Fatalf("expected set_extranonce, got %v", extranonce)
	}
	params, _ := extranonce["params"].([]interface{})
	if len(params) != 2 || params[0] != "0001" {
		t.Fatalf("set_extranonce params = %v, want [\"0001\", 6]", params)
	}

	notify := h.readFrame(t)
	if notify["method"] != "mining.notify" {
		t.Fatalf("expected mining.notify, got %v", notify)
	}
	notifyParams, _ := notify["params"].([]interface{})
	if len(notifyParams) != 3 || notifyParams[0] != "00" {
		t.Fatalf("mining.notify params = %v, want job id \"00\" first", notifyParams)
	}

	setDiff := h.readFrame(t)
	if setDiff["method"] != "mining.set_difficulty" {
		t.Fatalf("expected mining.set_difficulty, got %v", setDiff)
	}
	diffParams, _ := setDiff["params"].([]interface{})
	if len(diffParams) != 1 {
		t.Fatalf("set_difficulty params = %v", diffParams)
	}
	if d, ok := diffParams[0].(float64); !ok || d <= 0 {
		t.Fatalf("set_difficulty value = %v, want positive float64", diffParams[0])
	}
}

func TestSubmitSuccessDeliversOkAfterAck(t *testing.T) {
	h := newHarness(t)
	jp, ok := h.cache.Insert(testBlock(0))
	if !ok {
		t.Fatal("Insert: unexpected rejection")
	}
	h.cell.Set(jp)

	h.send(t, `{"id":1,"method":"mining.subscribe"}`)
	h.readFrame(t) // subscribe response
	h.readFrame(t) // set_extranonce
	h.readFrame(t) // mining.notify
	h.readFrame(t) // mining.set_difficulty

	h.send(t, `{"id":2,"method":"mining.submit","params":["w","00","0x0000000000000001"]}`)

	submitReq := <-h.outbound
	reqAsSubmit, ok := submitReq.(*kaspadrpc.SubmitBlockRequest)
	if !ok {
		t.Fatalf("outbound payload type = %T, want *SubmitBlockRequest", submitReq)
	}
	if reqAsSubmit.Block.Header.Nonce != 1 {
		t.Fatalf("submitted nonce = %d, want 1", reqAsSubmit.Block.Header.Nonce)
	}

	h.cache.ResolvePending(kaspadrpc.SubmitBlockRejectNone, nil)

	resp := h.readFrame(t)
	if resp["id"] != float64(2) || resp["result"] != true {
		t.Fatalf("submit response = %v, want {id:2, result:true}", resp)
	}
}

func TestSubmitRejectionDeliversError(t *testing.T) {
	h := newHarness(t)
	jp, ok := h.cache.Insert(testBlock(0))
	if !ok {
		t.Fatal("Insert: unexpected rejection")
	}
	h.cell.Set(jp)

	h.send(t, `{"id":1,"method":"mining.subscribe"}`)
	h.readFrame(t)
	h.readFrame(t)
	h.readFrame(t)
	h.readFrame(t)

	h.send(t, `{"id":2,"method":"mining.submit","params":["w","00","0000000000000001"]}`)
	<-h.outbound

	h.cache.ResolvePending(kaspadrpc.SubmitBlockRejectBlockInvalid, errors.New("bad"))

	resp := h.readFrame(t)
	errArr, ok := resp["error"].([]interface{})
	if !ok || len(errArr) != 3 {
		t.Fatalf("submit error response = %v, want 3-element error array", resp)
	}
	if errArr[0] != float64(20) || errArr[1] != "bad" {
		t.Fatalf("error array = %v, want [20, \"bad\", nil]", errArr)
	}
}

func TestSubmitUnknownJobRespondsImmediately(t *testing.T) {
	h := newHarness(t)
	h.send(t, `{"id":1,"method":"mining.subscribe"}`)
	h.readFrame(t)
	h.readFrame(t)

	h.send(t, `{"id":2,"method":"mining.submit","params":["w","ff","1"]}`)

	resp := h.readFrame(t)
	errArr, ok := resp["error"].([]interface{})
	if !ok || errArr[0] != float64(20) {
		t.Fatalf("expected immediate error response for unknown job, got %v", resp)
	}
}
