// scmfsctl is a thin command line client for the daemon's diagnostics
// endpoint.
package main

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"

	"github.com/spf13/pflag"
)

func main() {
	address := pflag.String("address", "localhost:9980", "Diagnostics address of the scmfsd daemon")
	pflag.Parse()

	var path string
	switch args := pflag.Args(); {
	case len(args) == 1 && args[0] == "mounts":
		path = "/mounts"
	case len(args) == 1 && args[0] == "requests":
		path = "/requests"
	case len(args) == 2 && args[0] == "trace":
		path = "/trace?mount=" + url.QueryEscape(args[1])
	default:
		log.Fatal("Usage: scmfsctl [--address host:port] mounts | requests | trace <mount>")
	}

	resp, err := http.Get("http://" + *address + path)
	if err != nil {
		log.Fatalf("Failed to reach daemon: %s", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		log.Fatalf("Daemon returned %s: %s", resp.Status, body)
	}
	if _, err := io.Copy(os.Stdout, resp.Body); err != nil {
		log.Fatalf("Failed to read response: %s", err)
	}
	fmt.Println()
}
