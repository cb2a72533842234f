package models

// Dimension selects how an aggregate groups its input records.
type Dimension string

const (
	// DimensionDate groups by the calendar day of a timestamp column.
	DimensionDate Dimension = "date"
	// DimensionKey groups by the raw value of a column (entity key, location).
	DimensionKey Dimension = "key"
)

// EntityDefinition describes one business entity exposed by the source API.
type EntityDefinition struct {
	Name             string                `json:"name" yaml:"name"`
	RemotePath       string                `json:"remotePath" yaml:"remotePath"`
	PrimaryKey       []string              `json:"primaryKey" yaml:"primaryKey"`
	IncrementalField string                `json:"incrementalField,omitempty" yaml:"incrementalField,omitempty"`
	PageSize         int                   `json:"pageSize" yaml:"pageSize"`
	DeletedField     string                `json:"deletedField,omitempty" yaml:"deletedField,omitempty"`
	Aggregates       []AggregateDefinition `json:"aggregates,omitempty" yaml:"aggregates,omitempty"`
}

// Incremental reports whether the entity can be fetched by watermark.
func (d EntityDefinition) Incremental() bool {
	return d.IncrementalField != ""
}

// AggregateDefinition describes a synthetic rollup table derived from an entity.
// Its rows total the records of a single sync batch, not the full history.
type AggregateDefinition struct {
	Table     string    `json:"table" yaml:"table"`
	GroupBy   string    `json:"groupBy" yaml:"groupBy"`
	Key       string    `json:"key,omitempty" yaml:"key,omitempty"`
	Dimension Dimension `json:"dimension" yaml:"dimension"`
	Measures  []string  `json:"measures" yaml:"measures"`
}

// KeyColumn is the primary key column of the aggregate table.
func (a AggregateDefinition) KeyColumn() string {
	switch {
	case a.Key != "":
		return a.Key
	case a.Dimension == DimensionDate:
		return "day"
	default:
		return a.GroupBy
	}
}

// MeasureColumn names the summed output column for a measure.
func MeasureColumn(measure string) string {
	return "total_" + measure
}

// CountColumn holds the number of source rows folded into an aggregate row.
const CountColumn = "record_count"
