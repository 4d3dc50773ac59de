// Package rewrite mangles freshly provisioned access URLs so the handed-out
// link never exposes the true backend origin.
package rewrite

import (
	"fmt"
	"regexp"
)

var (
	hostPattern = regexp.MustCompile(`@(.*):`)

	// Two port shapes exist in the wild: the usual ":<port>/" and the gtf
	// variant ":<port>?outline".
	portPattern    = regexp.MustCompile(`:(\d{2,})/`)
	gtfPortPattern = regexp.MustCompile(`:(\d{2,})\?outline`)
)

// Host substitutes the authority portion of an access URL with a load
// balancer hostname.
func Host(accessURL, hostName string) string {
	return hostPattern.ReplaceAllString(accessURL, fmt.Sprintf("@%s:", hostName))
}

// Port remaps the port of an access URL, handling both the plain and gtf
// URL shapes. URLs without a recognizable port come back unchanged.
func Port(accessURL string, newPort int) string {
	if gtfPortPattern.MatchString(accessURL) {
		return gtfPortPattern.ReplaceAllString(accessURL, fmt.Sprintf(":%d?outline", newPort))
	}
	return portPattern.ReplaceAllString(accessURL, fmt.Sprintf(":%d/", newPort))
}
