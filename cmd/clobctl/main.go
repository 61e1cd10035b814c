// clobctl sends one operation to a running node and prints the reply.
//
//	clobctl -addr http://localhost:8080 register username=alice password=secret1
//	clobctl -token $TOKEN insertLimitOrder type=bid size=10 price=100
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

func main() {
	addr := flag.String("addr", "http://localhost:8080", "node API address")
	token := flag.String("token", os.Getenv("CLOB_TOKEN"), "session token (or CLOB_TOKEN)")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: clobctl [flags] <operation> [key=value ...]\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	body, err := buildEnvelope(flag.Arg(0), flag.Args()[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	reply, err := send(*addr, *token, body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(reply)
}

// buildEnvelope turns key=value pairs into {"operation":..,"values":{..}}.
// Integer-looking values are sent as JSON numbers.
func buildEnvelope(op string, pairs []string) ([]byte, error) {
	values := make(map[string]interface{}, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("expected key=value, got %q", p)
		}
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			values[k] = n
		} else {
			values[k] = v
		}
	}
	return json.Marshal(map[string]interface{}{
		"operation": op,
		"values":    values,
	})
}

func send(addr, token string, body []byte) (string, error) {
	req, err := http.NewRequest(http.MethodPost, strings.TrimRight(addr, "/")+"/api/v1/rpc", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw), nil
	}
	return pretty.String(), nil
}
