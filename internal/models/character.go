// internal/models/character.go
package models

// CharacterRecord 书中角色，按书获取一次，只读
type CharacterRecord struct {
	Name        string `json:"name"`
	Role        string `json:"role"`
	Gender      string `json:"gender,omitempty"`
	Personality string `json:"personality,omitempty"`
	Bio         string `json:"bio,omitempty"`
	Image       string `json:"image,omitempty"`
}

// CharacterSheet 角色卡视图
type CharacterSheet struct {
	Characters []CharacterRecord `json:"characters"`
	// Message 为空列表时的提示
	Message string `json:"message,omitempty"`
}
