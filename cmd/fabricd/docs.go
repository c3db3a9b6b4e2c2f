package main

// General API documentation for swaggo. Run `make swagger-gen` to generate docs.
//
// @title           fabricd API
// @version         1.0
// @description     Admin API of the fabricd inference worker: model hot swap, streaming generation and worker status.
//
// @contact.name   fabricd maintainers
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
