package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaywire/relay/pkg/client"
	"github.com/relaywire/relay/pkg/protocol"
)

func main() {
	addr := flag.String("addr", "localhost:7465", "Server address")
	clients := flag.Int("clients", 50, "Number of concurrent clients")
	messages := flag.Int("messages", 100, "Messages sent per client")
	flag.Parse()

	log.Printf("Load test: %d clients x %d messages against %s", *clients, *messages, *addr)

	var sent, failed, received atomic.Int64

	conns := make([]*client.Client, *clients)
	for i := range conns {
		c, err := client.Dial(*addr)
		if err != nil {
			log.Fatalf("Client %d failed to connect: %v", i, err)
		}
		defer c.Close()

		name := fmt.Sprintf("loadtest-%d", i)
		code, err := c.Login(name)
		if err != nil || code != protocol.ResponseSuccess {
			log.Fatalf("Client %d failed to log in (code %d): %v", i, code, err)
		}
		conns[i] = c

		// Drain deliveries so slow consumers don't stall the server.
		go func(c *client.Client) {
			for range c.Messages {
				received.Add(1)
			}
		}(c)
	}

	start := time.Now()

	var wg sync.WaitGroup
	for i, c := range conns {
		wg.Add(1)
		go func(i int, c *client.Client) {
			defer wg.Done()
			from := fmt.Sprintf("loadtest-%d", i)
			for n := 0; n < *messages; n++ {
				to := fmt.Sprintf("loadtest-%d", rand.Intn(len(conns)))
				code, err := c.Send(to, from, fmt.Sprintf("message %d from %s", n, from))
				if err != nil || code != protocol.ResponseSuccess {
					failed.Add(1)
					continue
				}
				sent.Add(1)
			}
		}(i, c)
	}
	wg.Wait()

	elapsed := time.Since(start)

	// Give in-flight deliveries a moment to land before reading counters.
	time.Sleep(500 * time.Millisecond)

	total := sent.Load() + failed.Load()
	log.Printf("Done in %v", elapsed)
	log.Printf("Sent: %d ok, %d failed (%.0f msg/s)", sent.Load(), failed.Load(),
		float64(total)/elapsed.Seconds())
	log.Printf("Received: %d deliveries", received.Load())

	if failed.Load() > 0 {
		os.Exit(1)
	}
}
