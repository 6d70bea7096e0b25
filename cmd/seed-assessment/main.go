package main

import (
	"context"
	"fmt"
	"time"

	"github.com/certlab/certlab-backend/internal/config"
	"github.com/certlab/certlab-backend/internal/database"
	"github.com/certlab/certlab-backend/internal/logger"
	"github.com/certlab/certlab-backend/internal/service"
	"github.com/google/uuid"
)

// Seeds one demo assessment with a templated web challenge, a
// pre-provisioned network machine and an instance-less crypto question,
// then prints a dev candidate token for manual testing.
func main() {
	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	fmt.Println("=== Seeding demo assessment ===")

	assessmentID := uuid.New()
	_, err = pool.Exec(ctx,
		`INSERT INTO assessments (id, title, duration_minutes, question_count, max_score)
		 VALUES ($1, $2, $3, $4, $5)`,
		assessmentID, "Junior Penetration Tester Exam", 240, 3, 300,
	)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to insert assessment")
	}

	webSection := uuid.New()
	netSection := uuid.New()
	_, err = pool.Exec(ctx,
		`INSERT INTO sections (id, assessment_id, title, order_num)
		 VALUES ($1, $3, 'Web Exploitation', 1), ($2, $3, 'Network & Crypto', 2)`,
		webSection, netSection, assessmentID,
	)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to insert sections")
	}

	type seedQuestion struct {
		sectionID  uuid.UUID
		title      string
		body       string
		difficulty string
		points     int
		templateID *string
		machineID  *string
		orderNum   int
		flagValue  string
		caseSens   bool
	}

	tplWeb := "tpl-dvwa-sqli"
	machVPN := "mach-corp-gateway"
	questions := []seedQuestion{
		{webSection, "Blind SQL Injection", "Extract the admin password hash from the login form.", "MEDIUM", 100, &tplWeb, nil, 1, "FLAG{bl1nd_but_n0t_d3af}", false},
		{netSection, "Corporate Gateway", "Enumerate the always-on VPN gateway and find the exposed service banner.", "HARD", 120, nil, &machVPN, 1, "FLAG{B4nn3r_Gr4bb3r}", true},
		{netSection, "Broken Padding", "Decrypt the intercepted ciphertext in challenge.bin.", "EASY", 80, nil, nil, 2, "FLAG{p4dd1ng_0racl3}", false},
	}

	for _, q := range questions {
		questionID := uuid.New()
		_, err = pool.Exec(ctx,
			`INSERT INTO questions (id, section_id, title, body, difficulty, points, hints, template_id, machine_id, order_num)
			 VALUES ($1, $2, $3, $4, $5, $6, '[]', $7, $8, $9)`,
			questionID, q.sectionID, q.title, q.body, q.difficulty, q.points, q.templateID, q.machineID, q.orderNum,
		)
		if err != nil {
			log.Fatal().Err(err).Str("title", q.title).Msg("Failed to insert question")
		}

		_, err = pool.Exec(ctx,
			`INSERT INTO flags (id, question_id, value, score, case_sensitive)
			 VALUES ($1, $2, $3, $4, $5)`,
			uuid.New(), questionID, q.flagValue, q.points, q.caseSens,
		)
		if err != nil {
			log.Fatal().Err(err).Str("title", q.title).Msg("Failed to insert flag")
		}
		fmt.Printf("Seeded question: %s\n", q.title)
	}

	// Dev token for candidate 1 so the API can be exercised immediately.
	authService := service.NewAuthService(cfg, rdb)
	token, err := authService.IssueDevToken(ctx, 1, 24*time.Hour)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to issue dev token")
	}

	fmt.Printf("\nAssessment ID: %s\n", assessmentID)
	fmt.Printf("Candidate token (24h): %s\n", token)
}
