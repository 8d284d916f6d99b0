// smtp-sink is a minimal SMTP server that accepts and discards mail, for
// running smtpload against a local target.
//
//	go run ./scripts/smtp-sink -addr :2525 -latency 20ms -reject-rate 0.05
package main

import (
	"bufio"
	"flag"
	"fmt"
	"math/rand/v2"
	"net"
	"net/textproto"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	addr       = flag.String("addr", ":2525", "listen address")
	latency    = flag.Duration("latency", 0, "delay before answering DATA")
	rejectRate = flag.Float64("reject-rate", 0, "fraction of recipients rejected with 550")
	statsEvery = flag.Duration("stats", 5*time.Second, "interval between throughput logs")

	accepted atomic.Int64
	rejected atomic.Int64
)

func main() {
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	ln, err := net.Listen("tcp", *addr)
	if err != nil {
		logger.Fatal("listen failed", zap.Error(err))
	}
	logger.Info("smtp sink listening",
		zap.String("addr", ln.Addr().String()),
		zap.Int("cpus", runtime.NumCPU()))

	go func() {
		var last int64
		for range time.Tick(*statsEvery) {
			n := accepted.Load()
			logger.Info("stats",
				zap.Int64("accepted", n),
				zap.Int64("rejected", rejected.Load()),
				zap.Float64("perSecond", float64(n-last)/statsEvery.Seconds()))
			last = n
		}
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			logger.Warn("accept failed", zap.Error(err))
			continue
		}
		go serve(conn)
	}
}

func serve(conn net.Conn) {
	defer conn.Close()

	tp := textproto.NewConn(conn)
	reply := func(format string, args ...interface{}) bool {
		return tp.PrintfLine(format, args...) == nil
	}

	if !reply("220 smtp-sink ready") {
		return
	}

	rcpts := 0
	for {
		conn.SetReadDeadline(time.Now().Add(time.Minute))
		line, err := tp.ReadLine()
		if err != nil {
			return
		}

		verb := strings.ToUpper(strings.SplitN(line, " ", 2)[0])
		switch verb {
		case "EHLO":
			tp.PrintfLine("250-smtp-sink")
			tp.PrintfLine("250-PIPELINING")
			tp.PrintfLine("250-AUTH PLAIN LOGIN")
			reply("250 8BITMIME")
		case "HELO":
			reply("250 smtp-sink")
		case "AUTH":
			reply("235 2.7.0 Authentication successful")
		case "MAIL":
			rcpts = 0
			reply("250 2.1.0 Ok")
		case "RCPT":
			if *rejectRate > 0 && rand.Float64() < *rejectRate {
				rejected.Add(1)
				reply("550 5.1.1 Recipient rejected")
				continue
			}
			rcpts++
			reply("250 2.1.5 Ok")
		case "DATA":
			if rcpts == 0 {
				reply("503 5.5.1 No valid recipients")
				continue
			}
			if !reply("354 End data with <CR><LF>.<CR><LF>") {
				return
			}
			if err := discard(tp.R); err != nil {
				return
			}
			if *latency > 0 {
				time.Sleep(*latency)
			}
			n := accepted.Add(1)
			reply("250 2.0.0 Ok: queued as %d", n)
		case "RSET":
			rcpts = 0
			reply("250 2.0.0 Ok")
		case "NOOP":
			reply("250 2.0.0 Ok")
		case "QUIT":
			reply("221 2.0.0 Bye")
			return
		default:
			reply("502 5.5.2 Command not recognized: %s", verb)
		}
	}
}

// discard reads a dot-terminated DATA block.
func discard(r *bufio.Reader) error {
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return fmt.Errorf("read data: %w", err)
		}
		if line == ".\r\n" || line == ".\n" {
			return nil
		}
	}
}
