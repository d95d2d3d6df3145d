package main

// General API documentation for swaggo. Run `swag init -g cmd/memcoordd/docs.go`
// to generate docs, then build with -tags=swagger.
//
// @title           memcoord API
// @version         1.0
// @description     Host RAM model cache, device allocations and VRAM residency coordinated with a worker process.
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
