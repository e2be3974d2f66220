package main

import (
	_ "time/tzdata"

	fhemgateway "github.com/kradalby/fhem-gateway"
)

func main() {
	fhemgateway.Main()
}
