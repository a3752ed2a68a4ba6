package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rjboer/tracecap/internal/mdns"
)

func main() {
	timeout := flag.Duration("timeout", 5*time.Second, "Browse duration")
	services := flag.String("services", strings.Join(mdns.DefaultServices, ","), "Comma separated DNS-SD service types")
	flag.Parse()

	list := strings.Split(*services, ",")
	fmt.Println("===============================================================")
	fmt.Println(" mDNS / DNS-SD instrument discovery")
	fmt.Println("===============================================================")
	fmt.Printf(" Services: %s\n", strings.Join(list, ", "))
	fmt.Printf(" Timeout : %s\n", *timeout)
	fmt.Println("---------------------------------------------------------------")

	start := time.Now()
	hosts, err := mdns.DiscoverInstruments(context.Background(), list, *timeout)
	duration := time.Since(start)

	if err != nil {
		fmt.Fprintf(os.Stderr, "Discovery error: %v\n", err)
		os.Exit(1)
	}

	if len(hosts) == 0 {
		fmt.Printf("No instruments found (%s)\n", duration.Truncate(time.Millisecond))
		return
	}

	fmt.Printf("Discovered %d instrument(s) in %s\n",
		len(hosts), duration.Truncate(time.Millisecond))
	fmt.Println("===============================================================")
	printHosts(os.Stdout, hosts)
}

func printHosts(w io.Writer, hosts []mdns.Host) {
	for i, h := range hosts {
		fmt.Fprintf(w, " Instrument #%d\n", i+1)
		fmt.Fprintln(w, "---------------------------------------------------------------")
		fmt.Fprintf(w, " Instance : %s\n", h.Instance)
		fmt.Fprintf(w, " Service  : %s\n", h.Service)
		fmt.Fprintf(w, " Hostname : %s\n", h.Hostname)
		fmt.Fprintf(w, " Port     : %d\n", h.Port)

		fmt.Fprintln(w, " Addresses:")
		if len(h.Addresses) == 0 {
			fmt.Fprintln(w, "   <none>")
		}
		for _, ip := range h.Addresses {
			fmt.Fprintf(w, "   - %s\n", ip.String())
		}

		fmt.Fprintln(w, " TXT Records:")
		if len(h.TXT) == 0 {
			fmt.Fprintln(w, "   <none>")
		}
		for _, txt := range h.TXT {
			fmt.Fprintf(w, "   - %s\n", txt)
		}

		// tracecap only takes IPv4 literals
		if v4 := h.IPv4(); v4 != "" {
			fmt.Fprintf(w, " Capture  : tracecap %s\n", v4)
		}
		fmt.Fprintln(w, "===============================================================")
	}
}
