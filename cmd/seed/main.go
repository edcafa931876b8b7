// Seeds the plan catalog and a demo courier for local development.
package main

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"medex/internal/domain"
	"medex/pkg/config"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	if cfg.Database.URL == "" {
		log.Fatal("DATABASE_URL environment variable is required")
	}

	db, err := sqlx.Connect("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	ctx := context.Background()

	plans := []domain.Plan{
		{ID: "free", Name: "Free", Price: 0, Currency: domain.XOF, DurationDays: 30},
		{ID: "basic", Name: "Basic", Price: 2500, Currency: domain.XOF, DurationDays: 30},
		{ID: "premium", Name: "Premium", Price: 5000, Currency: domain.XOF, DurationDays: 30},
	}

	for _, p := range plans {
		_, err := db.NamedExecContext(ctx, `
			INSERT INTO plans (id, name, price, currency, duration_days)
			VALUES (:id, :name, :price, :currency, :duration_days)
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name,
				price = EXCLUDED.price,
				currency = EXCLUDED.currency,
				duration_days = EXCLUDED.duration_days
		`, p)
		if err != nil {
			log.Fatalf("Failed to seed plan %s: %v", p.ID, err)
		}
		log.Printf("Seeded plan %s", p.ID)
	}

	courier := domain.Courier{
		ID:          uuid.New(),
		UserID:      uuid.New(),
		City:        "Abidjan",
		CountryCode: "CI",
		Active:      true,
		CreatedAt:   time.Now().UTC(),
	}
	_, err = db.NamedExecContext(ctx, `
		INSERT INTO couriers (id, user_id, city, country_code, active, created_at)
		VALUES (:id, :user_id, :city, :country_code, :active, :created_at)
		ON CONFLICT (user_id) DO NOTHING
	`, courier)
	if err != nil {
		log.Fatalf("Failed to seed courier: %v", err)
	}
	log.Printf("Seeded demo courier %s (user %s)", courier.ID, courier.UserID)
}
