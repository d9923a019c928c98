package main

import (
	"go.viam.com/rdk/components/base"
	"go.viam.com/rdk/module"
	"go.viam.com/rdk/resource"

	"spotmicro"
)

func main() {
	module.ModularMain(
		resource.APIModel{API: base.API, Model: spotmicro.Model},
	)
}
