// Package migrate declares the metadata tables and creates or upgrades them
// through ent's Atlas-backed migration engine.
package migrate

import (
	"entgo.io/ent/dialect"
	"entgo.io/ent/dialect/sql/schema"
	"entgo.io/ent/schema/field"
)

var timeSchemaType = map[string]string{
	dialect.Postgres: "TIMESTAMPTZ",
	dialect.SQLite:   "DATETIME",
}

var (
	// CheckpointsColumns holds the columns for the "checkpoints" table.
	CheckpointsColumns = []*schema.Column{
		{Name: "id", Type: field.TypeInt64, Increment: true},
		{Name: "operation_id", Type: field.TypeString, Unique: true},
		{Name: "checkpoint_id", Type: field.TypeString},
		{Name: "checkpoint_type", Type: field.TypeString},
		{Name: "created_at", Type: field.TypeTime, SchemaType: timeSchemaType},
		{Name: "metadata", Type: field.TypeJSON},
		{Name: "state", Type: field.TypeBytes},
		{Name: "artifacts_path", Type: field.TypeString, Nullable: true},
		{Name: "state_size_bytes", Type: field.TypeInt64, Default: 0},
		{Name: "artifacts_size_bytes", Type: field.TypeInt64, Default: 0},
	}
	// CheckpointsTable holds the schema information for the "checkpoints" table.
	CheckpointsTable = &schema.Table{
		Name:       "checkpoints",
		Columns:    CheckpointsColumns,
		PrimaryKey: []*schema.Column{CheckpointsColumns[0]},
	}

	// OperationsColumns holds the columns for the "operations" table.
	OperationsColumns = []*schema.Column{
		{Name: "id", Type: field.TypeInt64, Increment: true},
		{Name: "operation_id", Type: field.TypeString, Unique: true},
		{Name: "kind", Type: field.TypeString},
		{Name: "status", Type: field.TypeString},
		{Name: "resumed_from", Type: field.TypeString, Nullable: true},
		{Name: "reason", Type: field.TypeString, Nullable: true},
		{Name: "created_at", Type: field.TypeTime, SchemaType: timeSchemaType},
		{Name: "updated_at", Type: field.TypeTime, SchemaType: timeSchemaType},
	}
	// OperationsTable holds the schema information for the "operations" table.
	OperationsTable = &schema.Table{
		Name:       "operations",
		Columns:    OperationsColumns,
		PrimaryKey: []*schema.Column{OperationsColumns[0]},
		Indexes: []*schema.Index{
			{
				Name:    "operation_resumed_from",
				Unique:  false,
				Columns: []*schema.Column{OperationsColumns[4]},
			},
		},
	}

	// OperationEventsColumns holds the columns for the "operation_events" table.
	OperationEventsColumns = []*schema.Column{
		{Name: "id", Type: field.TypeInt64, Increment: true},
		{Name: "event_id", Type: field.TypeString, Unique: true},
		{Name: "operation_id", Type: field.TypeString},
		{Name: "seq", Type: field.TypeInt64},
		{Name: "type", Type: field.TypeString},
		{Name: "payload", Type: field.TypeJSON, Nullable: true},
		{Name: "created_at", Type: field.TypeTime, SchemaType: timeSchemaType},
	}
	// OperationEventsTable holds the schema information for the "operation_events" table.
	OperationEventsTable = &schema.Table{
		Name:       "operation_events",
		Columns:    OperationEventsColumns,
		PrimaryKey: []*schema.Column{OperationEventsColumns[0]},
		Indexes: []*schema.Index{
			{
				Name:    "operationevent_operation_id_seq",
				Unique:  true,
				Columns: []*schema.Column{OperationEventsColumns[2], OperationEventsColumns[3]},
			},
			{
				Name:    "operationevent_operation_id",
				Unique:  false,
				Columns: []*schema.Column{OperationEventsColumns[2]},
			},
		},
	}

	// Tables holds all the tables in the schema.
	Tables = []*schema.Table{
		CheckpointsTable,
		OperationsTable,
		OperationEventsTable,
	}
)
