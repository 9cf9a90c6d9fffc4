package main

import (
	"bufio"
	"bytes"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"strconv"
	"strings"

	"go.uber.org/atomic"
)

var serverAddr string
var room int

func init() {
	flag.StringVar(&serverAddr, "addr", "127.0.0.1:8080", "relay server address")
	flag.IntVar(&room, "room", 1, "room to join")
}

func main() {
	flag.Parse()

	conn, err := net.Dial("tcp", serverAddr)
	if err != nil {
		log.Fatalf("fail to dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(strconv.Itoa(room))); err != nil {
		log.Fatalf("fail to join room: %v", err)
	}

	var current atomic.Int64
	current.Store(int64(room))
	prompt := func() { fmt.Printf("room %d > ", current.Load()) }

	go func() {
		r := bufio.NewReader(conn)
		for {
			msg, err := r.ReadBytes(0)
			if err != nil {
				fmt.Println("\ndisconnected.")
				os.Exit(0)
			}
			fmt.Printf("\033[0G%s\n", bytes.TrimSuffix(msg, []byte{0}))
			prompt()
		}
	}()

	prompt()
	stdin := bufio.NewScanner(os.Stdin)
	for stdin.Scan() {
		text := stdin.Text()

		switch {
		case text == "!exit":
			fmt.Println("bye.")
			return
		case strings.HasPrefix(text, "/rejoin "):
			n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(text, "/rejoin ")))
			if err != nil {
				fmt.Printf("\033[0Ginvalid room: %v\n", err)
				break
			}
			if _, err := conn.Write([]byte("REJOIN_" + strconv.Itoa(n))); err != nil {
				log.Fatalf("Failed to rejoin: %v", err)
			}
			// the relay ignores rooms out of range without telling us
			current.Store(int64(n))
		case text == "":
		default:
			if _, err := conn.Write([]byte(text)); err != nil {
				log.Fatalf("Failed to send message: %v", err)
			}
		}
		prompt()
	}
}
