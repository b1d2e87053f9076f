package domain

// SelectionEntry est un indice léger servant à amorcer la résolution.
// Il n'est pas autoritaire: le resolver l'écrase avec les données de l'API.
type SelectionEntry struct {
	ID         string `json:"id"`
	Title      string `json:"title,omitempty"`
	Alias      string `json:"alias,omitempty"`
	Author     string `json:"author,omitempty"`
	UploadTime int64  `json:"uploadTime,omitempty"`
}

type SelectionItem struct {
	Key   string         `json:"key"`
	Value SelectionEntry `json:"value"`
}

// Snapshot est l'état complet d'une réplique: entrées ordonnées + timestamp (ms).
type Snapshot struct {
	Timestamp int64           `json:"timestamp"`
	Entries   []SelectionItem `json:"entries"`
}
