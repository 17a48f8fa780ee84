package ingestion

import "github.com/your-org/tileflow/internal/store"

func datasetJSON(ds store.Dataset) map[string]any {
	return map[string]any{
		"id":         ds.ID,
		"owner_id":   ds.OwnerID,
		"name":       ds.Name,
		"status":     ds.Status,
		"ready_at":   ds.ReadyAt,
		"created_at": ds.CreatedAt,
	}
}

func fileJSON(f store.File) map[string]any {
	out := map[string]any{
		"id":            f.ID,
		"dataset_id":    f.DatasetID,
		"filename":      f.Filename,
		"status":        f.Status,
		"error_message": f.ErrorMessage,
		"processed_at":  f.ProcessedAt,
		"created_at":    f.CreatedAt,
	}
	if f.Width != nil && f.Height != nil {
		out["width"], out["height"] = *f.Width, *f.Height
	}
	if f.CenterLon != nil && f.CenterLat != nil {
		out["center"] = map[string]float64{"lon": *f.CenterLon, "lat": *f.CenterLat}
	}
	out["has_tiles"] = f.TileKey != nil
	out["has_preview"] = f.PreviewKey != nil
	return out
}

func attachmentJSON(a store.Attachment, tags []store.Tag) map[string]any {
	views := make([]map[string]any, 0, len(tags))
	for _, t := range tags {
		views = append(views, map[string]any{"label": t.Label, "score": t.Score})
	}
	return map[string]any{
		"id":            a.ID,
		"parent_id":     a.ParentID,
		"filename":      a.Filename,
		"content_type":  a.ContentType,
		"status":        a.Status,
		"error_message": a.ErrorMessage,
		"tagged_at":     a.TaggedAt,
		"tags":          views,
	}
}
