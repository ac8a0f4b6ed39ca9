// Command listingwatch runs the listing monitor.
package main

import "github.com/JakeFAU/listing-monitor/cmd"

func main() {
	cmd.Execute()
}
