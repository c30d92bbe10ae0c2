package market

// Product is a listing row of the marketplace inventory export.
type Product struct {
	ID          int64                  `json:"id"`
	BlueprintID int64                  `json:"blueprint_id"`
	Quantity    int                    `json:"quantity"`
	PriceCents  int64                  `json:"price_cents"`
	Description string                 `json:"description"`
	UserData    string                 `json:"user_data_field"`
	Graded      bool                   `json:"graded"`
	Properties  map[string]interface{} `json:"properties_hash"`
}

// Info is the marketplace application descriptor, including the shared
// secret used to sign webhooks back at us.
type Info struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	SharedSecret string `json:"shared_secret"`
}

// JobRef references an asynchronous marketplace job spawned by a bulk call.
type JobRef struct {
	Job string `json:"job"`
}

// JobStatus is the progress of an asynchronous marketplace job.
type JobStatus struct {
	UUID  string                 `json:"uuid"`
	State string                 `json:"state"`
	Stats map[string]interface{} `json:"stats"`
}

// Expansion is one expansion the seller has listings in.
type Expansion struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Code string `json:"code"`
}

// DeleteResult reports the outcome of a product deletion. A product that
// was already gone remotely deletes successfully with AlreadyDeleted set.
type DeleteResult struct {
	ProductID      int64
	AlreadyDeleted bool
}

// ExportFilters narrows a products export. Zero fields are unfiltered.
type ExportFilters struct {
	BlueprintID int64
	ExpansionID int64
}
