// Package tools defines the operations the model may request, their
// JSON schemas, and the executor that runs them against the garden.
package tools

// Operation names as they appear on the wire.
const (
	NameAddPlant           = "add_plant"
	NameUpdateCareSchedule = "update_care_schedule"
	NameGetCareSchedule    = "get_care_schedule"
	NameAddToWishlist      = "add_to_wishlist"
	NameRemoveFromWishlist = "remove_from_wishlist"
	NameMarkDeceased       = "mark_plant_dead"
)

// Definition describes one operation to the model.
type Definition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Function renders d in the OpenAI function-calling shape used by every
// provider client.
func (d Definition) Function() map[string]any {
	return map[string]any{
		"type": "function",
		"function": map[string]any{
			"name":        d.Name,
			"description": d.Description,
			"parameters":  d.Parameters,
		},
	}
}

// Catalogue returns the six operation definitions in a fixed order.
func Catalogue() []Definition {
	return []Definition{
		{
			Name:        NameAddPlant,
			Description: "Add a new plant to the user's personal plant collection.",
			Parameters: objReq(map[string]any{
				"name":     prop("string", "Common name of the plant"),
				"location": prop("string", "Where the plant is located"),
				"species":  prop("string", "Plant species or variety"),
				"notes":    prop("string", "Additional notes about the plant"),
			}, "name"),
		},
		{
			Name:        NameUpdateCareSchedule,
			Description: "Update watering and fertilizing schedule for a plant.",
			Parameters: objReq(map[string]any{
				"plant_id":         prop("integer", "ID of the plant to update"),
				"watering_days":    prop("integer", "How often to water in days"),
				"fertilizing_days": prop("integer", "How often to fertilize in days"),
			}, "plant_id"),
		},
		{
			Name:        NameGetCareSchedule,
			Description: "Get detailed care schedule for all plants including watering and fertilizing with current date context.",
			Parameters:  objReq(nil),
		},
		{
			Name:        NameAddToWishlist,
			Description: "Add a plant to the user's wishlist for future purchase or acquisition.",
			Parameters: objReq(map[string]any{
				"name":  prop("string", "Name of the plant to add to wishlist"),
				"notes": prop("string", "Notes about why they want this plant or where to get it"),
			}, "name"),
		},
		{
			Name:        NameRemoveFromWishlist,
			Description: "Remove a plant from the user's wishlist by ID or name.",
			Parameters: objReq(map[string]any{
				"wishlist_id": prop("integer", "ID of the wishlist item to remove"),
				"name":        prop("string", "Name of the plant to remove from wishlist"),
			}),
		},
		{
			Name:        NameMarkDeceased,
			Description: "Mark a plant as dead and automatically remove all its care schedules.",
			Parameters: objReq(map[string]any{
				"plant_id": prop("integer", "ID of the plant that has died"),
			}, "plant_id"),
		},
	}
}

// Definitions returns the catalogue in wire form.
func Definitions() []map[string]any {
	defs := Catalogue()
	out := make([]map[string]any, len(defs))
	for i, d := range defs {
		out[i] = d.Function()
	}
	return out
}

// Helpers for building JSON Schema objects.

func prop(typ, desc string) map[string]any {
	return map[string]any{"type": typ, "description": desc}
}

func obj(properties map[string]any) map[string]any {
	if properties == nil {
		properties = map[string]any{}
	}
	return map[string]any{
		"type":       "object",
		"properties": properties,
	}
}

func objReq(properties map[string]any, required ...string) map[string]any {
	s := obj(properties)
	if required == nil {
		required = []string{}
	}
	s["required"] = required
	return s
}
