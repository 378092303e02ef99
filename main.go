package main

import "github.com/MK-CO/KYXCustomer/internal/app"

func main() {
	app.Main()
}
