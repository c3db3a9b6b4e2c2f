// Package docs holds the OpenAPI document served under /swagger/ when the
// binary is built with -tags=swagger. Regenerate with `make swagger-gen`.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {
            "name": "fabricd maintainers"
        },
        "license": {
            "name": "MIT",
            "url": "https://opensource.org/licenses/MIT"
        },
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/infer": {
            "post": {
                "description": "Streams NDJSON InferChunk lines: the session handle first, one line per token, then a done line.",
                "consumes": ["application/json"],
                "produces": ["application/x-ndjson"],
                "tags": ["inference"],
                "summary": "Generate text",
                "parameters": [
                    {
                        "description": "Generation request",
                        "name": "body",
                        "in": "body",
                        "required": true,
                        "schema": {"$ref": "#/definitions/types.InferRequest"}
                    }
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.InferChunk"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "413": {"description": "Request Entity Too Large", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "415": {"description": "Unsupported Media Type", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "429": {"description": "Too Many Requests", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "503": {"description": "Service Unavailable", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}
                }
            }
        },
        "/models": {
            "get": {
                "description": "Models discovered in the models directory.",
                "produces": ["application/json"],
                "tags": ["models"],
                "summary": "List models",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.ModelsResponse"}}
                }
            }
        },
        "/models/load": {
            "post": {
                "description": "Loads a model (and optional projector) and makes it current without interrupting running sessions.",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["models"],
                "summary": "Swap the active model",
                "parameters": [
                    {
                        "description": "Model to load",
                        "name": "body",
                        "in": "body",
                        "required": true,
                        "schema": {"$ref": "#/definitions/types.LoadModelRequest"}
                    }
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.LoadModelResponse"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "503": {"description": "Service Unavailable", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}
                }
            }
        },
        "/sessions/{handle}": {
            "delete": {
                "tags": ["inference"],
                "summary": "Cancel a running session",
                "parameters": [
                    {
                        "type": "string",
                        "description": "Session handle from the first /infer line",
                        "name": "handle",
                        "in": "path",
                        "required": true
                    }
                ],
                "responses": {
                    "204": {"description": "No Content"},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}
                }
            }
        },
        "/status": {
            "get": {
                "produces": ["application/json"],
                "tags": ["status"],
                "summary": "Runtime status",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.StatusResponse"}}
                }
            }
        },
        "/status/text": {
            "get": {
                "description": "state=<worker state> model=<name> gen=<n> last_event=\"...\"",
                "produces": ["text/plain"],
                "tags": ["status"],
                "summary": "Short status line",
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "string"}}
                }
            }
        }
    },
    "definitions": {
        "types.ErrorResponse": {
            "type": "object",
            "properties": {
                "code": {"type": "integer", "example": 400},
                "error": {"type": "string", "example": "invalid JSON body"},
                "runtime_code": {"type": "integer", "example": -6}
            }
        },
        "types.InferChunk": {
            "type": "object",
            "properties": {
                "completion_tokens": {"type": "integer", "example": 128},
                "code": {"type": "integer", "example": -7},
                "delta": {"type": "string", "example": "The"},
                "done": {"type": "boolean"},
                "error": {"type": "string"},
                "finish_reason": {"type": "string", "example": "length"},
                "generation": {"type": "integer", "example": 2},
                "handle": {"type": "string", "example": "3.1"},
                "prompt_tokens": {"type": "integer", "example": 12},
                "state": {"type": "string", "example": "Completed"}
            }
        },
        "types.InferRequest": {
            "type": "object",
            "properties": {
                "image": {"type": "string", "format": "base64"},
                "max_tokens": {"type": "integer", "example": 128},
                "prompt": {"type": "string", "example": "Describe this picture: <__media__>"},
                "repeat_last_n": {"type": "integer", "example": 64},
                "repeat_penalty": {"type": "number", "example": 1.1},
                "seed": {"type": "integer", "example": 42},
                "temperature": {"type": "number", "example": 0.7},
                "top_k": {"type": "integer", "example": 40},
                "top_p": {"type": "number", "example": 0.9},
                "truncate": {"type": "boolean", "example": false}
            }
        },
        "types.LoadModelRequest": {
            "type": "object",
            "properties": {
                "model": {"type": "string", "example": "qwen2-vl-2b-q4_k_m.gguf"},
                "projector_path": {"type": "string"}
            }
        },
        "types.LoadModelResponse": {
            "type": "object",
            "properties": {
                "generation": {"type": "integer", "example": 3},
                "path": {"type": "string"},
                "projector_type": {"type": "string", "example": "qwen2vl"}
            }
        },
        "types.Model": {
            "type": "object",
            "properties": {
                "architecture": {"type": "string", "example": "qwen2vl"},
                "context_length": {"type": "integer", "example": 32768},
                "id": {"type": "string", "example": "qwen2-vl-2b-q4_k_m.gguf"},
                "name": {"type": "string", "example": "Qwen2-VL 2B Instruct"},
                "path": {"type": "string", "example": "/home/user/models/qwen2-vl-2b-q4_k_m.gguf"},
                "projector_path": {"type": "string", "example": "/home/user/models/mmproj-qwen2-vl-2b-f16.gguf"},
                "projector_type": {"type": "string", "example": "qwen2vl"},
                "size_bytes": {"type": "integer", "example": 1200000000}
            }
        },
        "types.ModelStatus": {
            "type": "object",
            "properties": {
                "architecture": {"type": "string"},
                "generation": {"type": "integer", "example": 2},
                "loaded": {"type": "boolean"},
                "loaded_at_unix": {"type": "integer"},
                "name": {"type": "string", "example": "Qwen2-VL 2B Instruct"},
                "path": {"type": "string"},
                "projector_type": {"type": "string", "example": "qwen2vl"},
                "retired_alive": {"type": "integer"}
            }
        },
        "types.ModelsResponse": {
            "type": "object",
            "properties": {
                "models": {"type": "array", "items": {"$ref": "#/definitions/types.Model"}}
            }
        },
        "types.StatusResponse": {
            "type": "object",
            "properties": {
                "active_sessions": {"type": "integer", "example": 1},
                "last_error": {"type": "string"},
                "last_event": {"type": "string", "example": "HEARTBEAT - cpu=3.0% mem=41.2% sessions=0"},
                "max_sessions": {"type": "integer", "example": 4},
                "model": {"$ref": "#/definitions/types.ModelStatus"},
                "server_time_unix": {"type": "integer", "example": 1700000000},
                "uptime_seconds": {"type": "integer", "example": 3600},
                "worker": {"$ref": "#/definitions/types.WorkerStatus"}
            }
        },
        "types.WorkerStatus": {
            "type": "object",
            "properties": {
                "addr": {"type": "string"},
                "control_port": {"type": "integer"},
                "last_heartbeat_unix": {"type": "integer"},
                "proxy_port": {"type": "integer"},
                "state": {"type": "string", "example": "Connected"},
                "type": {"type": "string"}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{"http"},
	Title:            "fabricd API",
	Description:      "Admin API of the fabricd inference worker: model hot swap, streaming generation and worker status.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
