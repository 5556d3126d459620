// Package docs swagger 文档，由 swag init 生成后精简
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/api/v1/sync-runs": {
            "post": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["同步任务"],
                "summary": "创建同步任务",
                "parameters": [
                    {
                        "description": "任务类型",
                        "name": "request",
                        "in": "body",
                        "required": true,
                        "schema": {"$ref": "#/definitions/handler.createSyncRunRequest"}
                    }
                ],
                "responses": {
                    "202": {"description": "Accepted", "schema": {"$ref": "#/definitions/response.Response"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/response.Response"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/response.Response"}},
                    "429": {"description": "Too Many Requests", "schema": {"$ref": "#/definitions/response.Response"}},
                    "503": {"description": "Service Unavailable", "schema": {"$ref": "#/definitions/response.Response"}}
                }
            }
        },
        "/api/v1/sync-runs/availability/refresh": {
            "post": {
                "produces": ["application/json"],
                "tags": ["同步任务"],
                "summary": "刷新可借阅状态",
                "responses": {
                    "202": {"description": "Accepted", "schema": {"$ref": "#/definitions/response.Response"}},
                    "503": {"description": "Service Unavailable", "schema": {"$ref": "#/definitions/response.Response"}}
                }
            }
        },
        "/api/v1/sync-runs/{id}": {
            "get": {
                "produces": ["application/json"],
                "tags": ["同步任务"],
                "summary": "查询同步任务",
                "parameters": [{"type": "string", "description": "任务ID", "name": "id", "in": "path", "required": true}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/response.Response"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/response.Response"}}
                }
            }
        },
        "/api/v1/sync-runs/{id}/events": {
            "get": {
                "produces": ["text/event-stream"],
                "tags": ["同步任务"],
                "summary": "订阅同步进度",
                "parameters": [{"type": "string", "description": "任务ID", "name": "id", "in": "path", "required": true}],
                "responses": {"200": {"description": "event stream", "schema": {"type": "string"}}}
            }
        },
        "/api/v1/shelf-sources/{id}/sync": {
            "post": {
                "produces": ["application/json"],
                "tags": ["同步任务"],
                "summary": "同步书架来源",
                "parameters": [{"type": "string", "description": "来源ID", "name": "id", "in": "path", "required": true}],
                "responses": {
                    "202": {"description": "Accepted", "schema": {"$ref": "#/definitions/response.Response"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/response.Response"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/response.Response"}},
                    "503": {"description": "Service Unavailable", "schema": {"$ref": "#/definitions/response.Response"}}
                }
            }
        },
        "/api/v1/notifications": {
            "get": {
                "produces": ["application/json"],
                "tags": ["通知"],
                "summary": "通知列表",
                "parameters": [
                    {"type": "integer", "default": 50, "description": "每页数量(1-200)", "name": "limit", "in": "query"},
                    {"type": "integer", "default": 0, "description": "偏移", "name": "offset", "in": "query"},
                    {"type": "string", "description": "仅未读(1/true)", "name": "unread_only", "in": "query"}
                ],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/response.Response"}}}
            }
        },
        "/api/v1/notifications/unread-count": {
            "get": {
                "produces": ["application/json"],
                "tags": ["通知"],
                "summary": "未读通知数量",
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/response.Response"}}}
            }
        },
        "/api/v1/notifications/events": {
            "get": {
                "produces": ["text/event-stream"],
                "tags": ["通知"],
                "summary": "订阅通知",
                "responses": {"200": {"description": "event stream", "schema": {"type": "string"}}}
            }
        },
        "/api/v1/notifications/events/test": {
            "post": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["通知"],
                "summary": "发送测试通知",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/response.Response"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/response.Response"}}
                }
            }
        },
        "/api/v1/notifications/{id}/read": {
            "post": {
                "tags": ["通知"],
                "summary": "标记已读",
                "parameters": [{"type": "string", "description": "通知ID", "name": "id", "in": "path", "required": true}],
                "responses": {
                    "204": {"description": "No Content"},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/response.Response"}}
                }
            }
        },
        "/api/v1/notifications/mark-all-read": {
            "post": {
                "produces": ["application/json"],
                "tags": ["通知"],
                "summary": "全部标记已读",
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/response.Response"}}}
            }
        },
        "/health": {
            "get": {
                "produces": ["application/json"],
                "tags": ["系统"],
                "summary": "健康检查",
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/response.Response"}}}
            }
        }
    },
    "definitions": {
        "handler.createSyncRunRequest": {
            "type": "object",
            "required": ["kind"],
            "properties": {
                "kind": {"type": "string", "enum": ["availability_refresh", "shelf_source_sync"]},
                "source_id": {"type": "string"}
            }
        },
        "response.Response": {
            "type": "object",
            "properties": {
                "code": {"type": "integer"},
                "data": {},
                "message": {"type": "string"}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{},
	Title:            "shelfsync API",
	Description:      "后台同步任务与通知推送",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
