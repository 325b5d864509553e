package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/edvin/dbsync/internal/kube"
	"github.com/edvin/dbsync/internal/model"
)

func main() {
	networks := flag.String("networks", strings.Join(model.DefaultNetworks, ","), "comma separated networks allowed in spec.network")
	asJSON := flag.Bool("json", false, "print JSON instead of YAML")
	flag.Parse()

	var list []string
	for _, n := range strings.Split(*networks, ",") {
		if n = strings.TrimSpace(n); n != "" {
			list = append(list, n)
		}
	}
	if len(list) == 0 {
		fmt.Fprintln(os.Stderr, "at least one network is required")
		os.Exit(2)
	}

	out, err := kube.MarshalCRD(kube.CRD(list), *asJSON || flag.Arg(0) == "json")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to render crd: %v\n", err)
		os.Exit(1)
	}
	os.Stdout.Write(out)
	if *asJSON || flag.Arg(0) == "json" {
		fmt.Println()
	}
}
