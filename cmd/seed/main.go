// Seeds the responder directory with a grid of available responders around
// a center point, for local development and load testing.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openrescue/dispatch/internal/config"
	"github.com/openrescue/dispatch/internal/directory"
	"github.com/openrescue/dispatch/internal/geo"
	"github.com/openrescue/dispatch/internal/models"
)

func main() {
	var (
		perService = flag.Int("per-service", 10, "responders to create per service type")
		centerLat  = flag.Float64("lat", 27.7172, "center latitude")
		centerLng  = flag.Float64("lng", 85.3240, "center longitude")
		spreadDeg  = flag.Float64("spread", 0.05, "max random offset from center, in degrees")
		seed       = flag.Int64("seed", 42, "random seed")
	)
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	cfg := config.FromEnv()
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, cfg.DB.DSN())
	if err != nil {
		log.Fatal().Err(err).Msg("open database")
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("ping database")
	}

	repo := directory.NewRepository(pool)
	cells := geo.NewH3Index(cfg.Engine.CellResolution)
	rng := rand.New(rand.NewSource(*seed))

	services := []models.ServiceType{
		models.ServiceMedical,
		models.ServicePolice,
		models.ServiceFire,
		models.ServiceRescue,
	}

	created := 0
	for _, service := range services {
		for i := 0; i < *perService; i++ {
			lat := *centerLat + (rng.Float64()*2-1)**spreadDeg
			lng := *centerLng + (rng.Float64()*2-1)**spreadDeg
			resp := models.Responder{
				ID:          uuid.New(),
				Name:        fmt.Sprintf("%s-unit-%02d", service, i+1),
				ServiceType: service,
				Available:   true,
				Coordinate:  models.Coordinate{Lat: lat, Lng: lng},
				Cell:        cells.Cell(lat, lng),
			}
			if err := repo.CreateResponder(ctx, resp); err != nil {
				log.Error().Err(err).Str("name", resp.Name).Msg("failed to create responder")
				continue
			}
			created++
		}
	}

	log.Info().Int("created", created).Msg("responder directory seeded")
}
