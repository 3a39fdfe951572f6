package main

//go:generate swag init -g cmd/server/main.go -o docs

// @title           Spreadmarket API
// @version         0.1.0
// @description     Spread-bid prediction markets: bidding, trading, and settlement.
// @host            localhost:8080
// @BasePath        /
// @schemes         http

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
