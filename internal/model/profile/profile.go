package profile

// Profile captures the public identity of a traveller shown next to messages.
type Profile struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"displayName"`
	HomeCity    string   `json:"homeCity,omitempty"`
	Bio         string   `json:"bio,omitempty"`
	Languages   []string `json:"languages,omitempty"` // 可交流语言
}

// Label returns the display name, falling back to the id.
func (p Profile) Label() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.ID
}

// Seed provides the demo travellers used by local development and chatprobe.
func Seed() []Profile {
	return []Profile{
		{
			ID:          "mei",
			DisplayName: "Mei Lin",
			HomeCity:    "Shanghai",
			Bio:         "两周后去里斯本，想找一位安静的室友分摊公寓。",
			Languages:   []string{"zh-CN", "en-US"},
		},
		{
			ID:          "tomas",
			DisplayName: "Tomás Ribeiro",
			HomeCity:    "Porto",
			Bio:         "Weekend hiker, early riser, happy to split groceries.",
			Languages:   []string{"pt-PT", "en-US"},
		},
		{
			ID:          "aiko",
			DisplayName: "Aiko Sato",
			HomeCity:    "Osaka",
			Bio:         "Looking for a roommate for a month in Seoul.",
			Languages:   []string{"ja-JP", "en-US"},
		},
	}
}
