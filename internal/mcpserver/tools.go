package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the health score MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var durationNames = []string{"FOUR_HOURS", "TWENTY_FOUR_HOURS", "THREE_DAYS", "SEVEN_DAYS", "THIRTY_DAYS"}

var categoryNames = []string{"ERRORS", "PERFORMANCE", "INFRASTRUCTURE", "RESOURCE_USAGE"}

var ToolGetLatestHealth = mcp.NewTool("get_latest_health",
	mcp.WithDescription(
		"Get the current health score (0-100) and risk status of one or more monitored scopes. "+
			"A scope is an account/org/project/service path; a project path gives the rolled-up project health. "+
			"The score is the worst category's score in the most recent five minute slot."),
	mcp.WithString("scope_ids",
		mcp.Required(),
		mcp.Description("Comma separated scope ids, e.g. 'acme/payments/checkout/api,acme/payments/checkout/worker'")),
)

var ToolGetHealthTrend = mcp.NewTool("get_health_trend",
	mcp.WithDescription(
		"Get a 48 point health trend for up to 10 scopes over a fixed window. "+
			"Each point is the worst health seen in its interval. Use this to spot when a service degraded."),
	mcp.WithString("scope_ids",
		mcp.Required(),
		mcp.Description("Comma separated scope ids (at most 10)")),
	mcp.WithString("duration",
		mcp.Required(),
		mcp.Description("Trend window"),
		mcp.Enum(durationNames...)),
	mcp.WithString("end_time",
		mcp.Description("RFC 3339 end of the window. Defaults to now.")),
	mcp.WithString("categories",
		mcp.Description("Comma separated categories to include. Defaults to all.")),
)

var ToolGetCategoryHealth = mcp.NewTool("get_category_health",
	mcp.WithDescription(
		"Break a scope's current health down by monitoring category "+
			"(errors, performance, infrastructure, resource usage) to see which one drags the score down."),
	mcp.WithString("scope_id",
		mcp.Required(),
		mcp.Description("Scope id, e.g. 'acme/payments/checkout/api'")),
)

var ToolGetHeatMap = mcp.NewTool("get_heat_map",
	mcp.WithDescription(
		"Get the raw risk slots of one category between two times, with anomalous metric and log counts. "+
			"The finest resolution that fits the range in 48 slots is used."),
	mcp.WithString("scope_id",
		mcp.Required(),
		mcp.Description("Scope id")),
	mcp.WithString("category",
		mcp.Required(),
		mcp.Description("Monitoring category"),
		mcp.Enum(categoryNames...)),
	mcp.WithString("start",
		mcp.Required(),
		mcp.Description("RFC 3339 start time")),
	mcp.WithString("end",
		mcp.Required(),
		mcp.Description("RFC 3339 end time")),
)

var ToolReportRisk = mcp.NewTool("report_risk",
	mcp.WithDescription(
		"Record a risk observation for a scope and category. "+
			"Risk is between 0 (healthy) and 1 (failing); repeated reports in the same slot keep the worst risk."),
	mcp.WithString("scope_id",
		mcp.Required(),
		mcp.Description("Scope id")),
	mcp.WithString("category",
		mcp.Required(),
		mcp.Description("Monitoring category"),
		mcp.Enum(categoryNames...)),
	mcp.WithNumber("risk_score",
		mcp.Required(),
		mcp.Description("Risk between 0 and 1")),
	mcp.WithNumber("anomalous_metrics_count",
		mcp.Description("Number of anomalous metrics behind this risk")),
	mcp.WithNumber("anomalous_logs_count",
		mcp.Description("Number of anomalous log clusters behind this risk")),
	mcp.WithString("timestamp",
		mcp.Description("RFC 3339 observation time. Defaults to now.")),
)
