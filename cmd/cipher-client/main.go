// Command cipher-client drives a CIPHER round trip over stdin/stdout per
// spec §6: `-h <host> -p <port> -o <op> -s <shift>`.
package main

import (
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/ddwkim/netkit/internal/cipher"
)

func main() {
	host := flag.StringP("host", "h", "127.0.0.1", "server host")
	port := flag.IntP("port", "p", 9090, "server port")
	op := flag.Uint16P("op", "o", 0, "0=encrypt, 1=decrypt")
	shift := flag.Uint16P("shift", "s", 0, "shift amount in [0,25]")
	flag.Parse()

	if *op != cipher.OpEncrypt && *op != cipher.OpDecrypt {
		fmt.Fprintln(os.Stderr, "cipher-client: -o must be 0 or 1")
		os.Exit(1)
	}
	if *shift > 25 {
		fmt.Fprintln(os.Stderr, "cipher-client: -s must be in [0,25]")
		os.Exit(1)
	}

	c, err := cipher.Dial(fmt.Sprintf("%s:%d", *host, *port))
	if err != nil {
		fmt.Fprintln(os.Stderr, "cipher-client:", err)
		os.Exit(1)
	}
	defer c.Close()
	c.Op, c.Shift = *op, *shift

	if err := c.Run(os.Stdin, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "cipher-client:", err)
		os.Exit(1)
	}
}
