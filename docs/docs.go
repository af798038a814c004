// Package docs registers the OpenAPI description of the settlement HTTP API
// with swag so it can be served at /api/docs/openapi.json.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "securityDefinitions": {
        "ApiKeyAuth": {"type": "apiKey", "in": "header", "name": "X-API-Key"},
        "Account": {"type": "apiKey", "in": "header", "name": "X-Account"},
        "RelayerSecret": {"type": "apiKey", "in": "header", "name": "X-Relayer-Secret"}
    },
    "security": [{"ApiKeyAuth": [], "Account": []}],
    "paths": {
        "/api/tasks": {
            "post": {"summary": "Create a task, escrowing reward plus post fee", "tags": ["tasks"],
                "parameters": [{"in": "body", "name": "body", "required": true, "schema": {"$ref": "#/definitions/CreateTaskRequest"}}],
                "responses": {"201": {"description": "task", "schema": {"$ref": "#/definitions/Task"}}, "400": {"$ref": "#/responses/Error"}, "402": {"$ref": "#/responses/Error"}}}
        },
        "/api/tasks/with-reward": {
            "post": {"summary": "Create a task bound to a funded cross-chain reward plan", "tags": ["tasks"],
                "responses": {"201": {"description": "task and plan"}, "500": {"$ref": "#/responses/Error"}}}
        },
        "/api/tasks/{id}": {
            "get": {"summary": "Get a task", "tags": ["tasks"], "parameters": [{"$ref": "#/parameters/ID"}],
                "responses": {"200": {"description": "task", "schema": {"$ref": "#/definitions/Task"}}, "404": {"$ref": "#/responses/Error"}}}
        },
        "/api/tasks/{id}/accept": {"post": {"summary": "Accept an open task, staking the reward", "tags": ["tasks"], "parameters": [{"$ref": "#/parameters/ID"}], "responses": {"200": {"description": "task"}}}},
        "/api/tasks/{id}/submit": {"post": {"summary": "Submit work", "tags": ["tasks"], "parameters": [{"$ref": "#/parameters/ID"}], "responses": {"200": {"description": "task"}}}},
        "/api/tasks/{id}/complete": {"post": {"summary": "Confirm completion and pay out", "tags": ["tasks"], "parameters": [{"$ref": "#/parameters/ID"}], "responses": {"200": {"description": "payout"}}}},
        "/api/tasks/{id}/cancel": {"post": {"summary": "Cancel an open task and refund", "tags": ["tasks"], "parameters": [{"$ref": "#/parameters/ID"}], "responses": {"200": {"description": "refund"}}}},
        "/api/tasks/{id}/terminate": {"post": {"summary": "Record a termination request", "tags": ["tasks"], "parameters": [{"$ref": "#/parameters/ID"}], "responses": {"200": {"description": "task"}}}},
        "/api/tasks/{id}/fix": {"post": {"summary": "Record a fix request", "tags": ["tasks"], "parameters": [{"$ref": "#/parameters/ID"}], "responses": {"200": {"description": "task"}}}},
        "/api/tasks/{id}/reward": {"get": {"summary": "Reward plan bound to a task", "tags": ["rewards"], "parameters": [{"$ref": "#/parameters/ID"}], "responses": {"200": {"description": "plan"}, "404": {"$ref": "#/responses/Error"}}}},
        "/api/rewards": {"post": {"summary": "Prepare a reward plan, optionally depositing in the same call", "tags": ["rewards"], "responses": {"201": {"description": "plan"}}}},
        "/api/rewards/{id}": {"get": {"summary": "Get a reward plan", "tags": ["rewards"], "parameters": [{"$ref": "#/parameters/ID"}], "responses": {"200": {"description": "plan"}}}},
        "/api/rewards/{id}/deposit": {"post": {"summary": "Fund a prepared plan", "tags": ["rewards"], "parameters": [{"$ref": "#/parameters/ID"}], "responses": {"200": {"description": "plan"}}}},
        "/api/rewards/{id}/lock": {"post": {"summary": "Bind a funded plan to a task", "tags": ["rewards"], "parameters": [{"$ref": "#/parameters/ID"}], "responses": {"200": {"description": "plan"}, "409": {"$ref": "#/responses/Error"}}}},
        "/api/rewards/{id}/claim": {"post": {"summary": "Dispatch the cross-chain delivery to the helper", "tags": ["rewards"], "parameters": [{"$ref": "#/parameters/ID"}], "responses": {"202": {"description": "dispatch receipt"}}}},
        "/api/rewards/{id}/refund": {"post": {"summary": "Return escrow to the creator", "tags": ["rewards"], "parameters": [{"$ref": "#/parameters/ID"}], "responses": {"200": {"description": "plan"}}}},
        "/api/rewards/{id}/qr": {"get": {"summary": "PNG QR code of the claim payment URI", "tags": ["rewards"], "produces": ["image/png"], "parameters": [{"$ref": "#/parameters/ID"}], "responses": {"200": {"description": "png"}}}},
        "/api/deliveries": {"post": {"summary": "Relayer delivery callback for an outstanding dispatch; operator key or relayer secret", "tags": ["rewards"], "security": [{"ApiKeyAuth": []}, {"RelayerSecret": []}], "responses": {"200": {"description": "plan"}, "403": {"$ref": "#/responses/Error"}, "409": {"$ref": "#/responses/Error"}}}},
        "/api/accounts/approve": {"post": {"summary": "Set the caller's allowance for an asset", "tags": ["accounts"], "responses": {"200": {"description": "allowance"}}}},
        "/api/accounts/{account}/balances/{asset}": {"get": {"summary": "Balance and allowance", "tags": ["accounts"], "responses": {"200": {"description": "balance"}}}},
        "/api/counters": {"get": {"summary": "Next task and reward ids", "tags": ["ledger"], "responses": {"200": {"description": "counters"}}}},
        "/api/events": {"get": {"summary": "Committed ledger records after a sequence number", "tags": ["ledger"], "responses": {"200": {"description": "events"}}}},
        "/api/reconcile": {
            "get": {"summary": "Classify every reward plan", "tags": ["reconcile"], "responses": {"200": {"description": "report"}}},
            "post": {"summary": "Sweep and refund orphaned plans; operator key or relayer secret", "tags": ["reconcile"], "security": [{"ApiKeyAuth": []}, {"RelayerSecret": []}], "responses": {"200": {"description": "remediation"}, "403": {"$ref": "#/responses/Error"}}}
        }
    },
    "parameters": {
        "ID": {"name": "id", "in": "path", "required": true, "type": "integer", "format": "uint64"}
    },
    "responses": {
        "Error": {"description": "error", "schema": {"$ref": "#/definitions/Error"}}
    },
    "definitions": {
        "Error": {"type": "object", "properties": {"error": {"type": "string"}, "code": {"type": "string"}, "reward_id": {"type": "integer"}}},
        "CreateTaskRequest": {"type": "object", "required": ["reward", "content_ref"], "properties": {"reward": {"type": "integer"}, "content_ref": {"type": "string"}}},
        "Task": {"type": "object", "properties": {
            "id": {"type": "integer"}, "creator": {"type": "string"}, "helper": {"type": "string"},
            "reward": {"type": "integer"}, "content_ref": {"type": "string"}, "status": {"type": "string"}, "post_fee": {"type": "integer"}}}
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{},
	Title:            "Settlement API",
	Description:      "Task escrow settlement with cross-chain reward plans.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
