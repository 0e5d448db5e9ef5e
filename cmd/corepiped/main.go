// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// corepiped is a thin demo binary standing in for the spec's out-of-scope
// "thin C entry-point layer" (§1): it drives a Core entirely through its Go
// API, the way client/server drove a smux.Session through dial/listen.
package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/xtaci/corepipe/core"
	"github.com/xtaci/corepipe/datapipe"
	"github.com/xtaci/corepipe/metrics"
	"github.com/xtaci/corepipe/result"
	"github.com/xtaci/corepipe/signal"
	"github.com/xtaci/corepipe/wire"
)

// VERSION is injected by buildflags.
var VERSION = "SELFBUILD"

func main() {
	if VERSION == "SELFBUILD" {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	myApp := cli.NewApp()
	myApp.Name = "corepiped"
	myApp.Usage = "handle/pipe/shared-buffer IPC core demo"
	myApp.Version = VERSION
	myApp.Commands = []cli.Command{
		{
			Name:  "serve",
			Usage: "bridge two in-process Cores over a wire.Channel and exchange a message pipe endpoint",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "key", Value: "it's a secrect", Usage: "pre-shared passphrase securing the wire channel"},
				cli.BoolFlag{Name: "nocomp", Usage: "disable snappy compression on the wire channel"},
				cli.BoolFlag{Name: "plain", Usage: "skip AES-GCM encryption entirely (debugging only)"},
			},
			Action: runServe,
		},
		{
			Name:  "bench",
			Usage: "throughput smoke-test for a single data pipe",
			Flags: []cli.Flag{
				cli.IntFlag{Name: "capacity", Value: 1 << 16, Usage: "data pipe capacity in bytes"},
				cli.IntFlag{Name: "chunk", Value: 4096, Usage: "bytes written per WriteData call"},
				cli.IntFlag{Name: "total", Value: 1 << 24, Usage: "total bytes to push through the pipe"},
			},
			Action: runBench,
		},
	}
	if err := myApp.Run(os.Args); err != nil {
		log.Fatalf("%+v", err)
	}
}

// runServe demonstrates §3/§4.5: two Cores standing in for two processes,
// linked only by a wire.Channel, trade a live message-pipe endpoint and then
// talk through it as if they shared one process.
func runServe(c *cli.Context) error {
	mcol := metrics.New(prometheus.NewRegistry())

	processA := core.New(core.WithMetrics(mcol))
	processB := core.New(core.WithMetrics(mcol))

	loopA, loopB := wire.NewLoopChannelPair()
	chA, err := secureWire(loopA, c)
	if err != nil {
		return err
	}
	chB, err := secureWire(loopB, c)
	if err != nil {
		return err
	}

	log.Println("version:", VERSION)
	log.Println("compression:", !c.Bool("nocomp"))
	log.Println("encryption:", !c.Bool("plain"))

	local, remote, code := processA.CreateMessagePipe(nil)
	if !code.IsOK() {
		return core.WrapError("CreateMessagePipe", code)
	}
	log.Println("processA: created message pipe, keeping local end, sending remote end to processB")

	if code := processA.SendMessagePipeEndpoint(remote, chA); !code.IsOK() {
		return core.WrapError("SendMessagePipeEndpoint", code)
	}

	received, code := processB.OpenReceivedMessagePipeEndpoint(chB)
	if !code.IsOK() {
		return core.WrapError("OpenReceivedMessagePipeEndpoint", code)
	}
	color.Green("processB: received the transferred endpoint")

	if code := processA.WriteMessage(local, []byte("hello from processA"), nil, 0); !code.IsOK() {
		return core.WrapError("WriteMessage", code)
	}

	if _, code := processB.Wait(received, signal.Readable, time.Now().Add(time.Second)); !code.IsOK() {
		return core.WrapError("Wait", code)
	}
	data, _, _, _, code := processB.ReadMessage(received, 256, 0, 0)
	if !code.IsOK() {
		return core.WrapError("ReadMessage", code)
	}
	log.Println("processB received:", string(data))

	if code := processB.WriteMessage(received, []byte("ack from processB"), nil, 0); !code.IsOK() {
		return core.WrapError("WriteMessage", code)
	}
	if _, code := processA.Wait(local, signal.Readable, time.Now().Add(time.Second)); !code.IsOK() {
		return core.WrapError("Wait", code)
	}
	data, _, _, _, code = processA.ReadMessage(local, 256, 0, 0)
	if !code.IsOK() {
		return core.WrapError("ReadMessage", code)
	}
	log.Println("processA received:", string(data))

	processA.Close(local)
	processB.Close(received)
	return nil
}

// secureWire wraps a raw LoopChannel with the SnappyChannel/SecureChannel
// layers this CLI exposes as flags, mirroring how kcptun's client/server
// layer compression and the block cipher around a bare net.Conn.
func secureWire(ch wire.Channel, c *cli.Context) (wire.Channel, error) {
	if !c.Bool("nocomp") {
		ch = wire.NewSnappyChannel(ch)
	}
	if c.Bool("plain") {
		return ch, nil
	}
	secure, err := wire.NewSecureChannel(ch, c.String("key"))
	if err != nil {
		return nil, errors.Wrap(err, "secureWire")
	}
	return secure, nil
}

// runBench pushes total bytes through one data pipe in chunk-sized writes,
// draining it concurrently, and reports achieved throughput.
func runBench(c *cli.Context) error {
	capacity := c.Int("capacity")
	chunk := c.Int("chunk")
	total := c.Int("total")

	mcol := metrics.New(prometheus.NewRegistry())
	co := core.New(core.WithMetrics(mcol))

	rawOptions := wire.EncodeOptions(&datapipe.WireOptions{ElementBytes: 1, CapacityBytes: uint32(capacity)}, 16)
	producer, consumer, code := co.CreateDataPipe(rawOptions)
	if !code.IsOK() {
		return core.WrapError("CreateDataPipe", code)
	}

	payload := make([]byte, chunk)
	for i := range payload {
		payload[i] = byte(i)
	}

	errCh := make(chan error, 1)
	go func() {
		readBuf := make([]byte, chunk)
		remaining := total
		for remaining > 0 {
			if _, code := co.Wait(consumer, signal.Readable, time.Now().Add(5*time.Second)); !code.IsOK() {
				errCh <- core.WrapError("Wait(consumer)", code)
				return
			}
			n, code := co.ReadData(consumer, readBuf[:min(chunk, remaining)], 0)
			if !code.IsOK() {
				errCh <- core.WrapError("ReadData", code)
				return
			}
			remaining -= n
		}
		errCh <- nil
	}()

	start := time.Now()
	remaining := total
	for remaining > 0 {
		n, code := co.WriteData(producer, payload[:min(chunk, remaining)], 0)
		if code == result.ShouldWait {
			time.Sleep(time.Millisecond)
			continue
		}
		if !code.IsOK() {
			return core.WrapError("WriteData", code)
		}
		remaining -= n
	}
	co.Close(producer)

	if err := <-errCh; err != nil {
		return err
	}
	elapsed := time.Since(start)
	mbps := float64(total) / elapsed.Seconds() / (1 << 20)
	color.Cyan("pushed %d bytes through a %d-byte data pipe in %s (%.2f MiB/s)", total, capacity, elapsed, mbps)
	fmt.Println()
	return nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
